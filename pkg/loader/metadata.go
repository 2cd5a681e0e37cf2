package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MetadataFileName is the dataset descriptor in the input directory
const MetadataFileName = "metadata.json"

// Default CSV special characters
const (
	DefaultTokenSeparator = ','
	DefaultQuoteChar      = '"'
	DefaultEscapeChar     = '\\'
)

// CSVSpecialChars configures one file's token separator, quote and escape
// characters.
type CSVSpecialChars struct {
	TokenSeparator string `json:"tokenSeparator"`
	QuoteChar      string `json:"quoteChar"`
	EscapeChar     string `json:"escapeChar"`
}

func (c CSVSpecialChars) chars() (byte, byte, byte, error) {
	pick := func(s string, def byte) (byte, error) {
		if s == "" {
			return def, nil
		}
		if len(s) != 1 {
			return 0, fmt.Errorf("special character %q must be a single byte", s)
		}
		return s[0], nil
	}
	sep, err := pick(c.TokenSeparator, DefaultTokenSeparator)
	if err != nil {
		return 0, 0, 0, err
	}
	quote, err := pick(c.QuoteChar, DefaultQuoteChar)
	if err != nil {
		return 0, 0, 0, err
	}
	escape, err := pick(c.EscapeChar, DefaultEscapeChar)
	if err != nil {
		return 0, 0, 0, err
	}
	return sep, quote, escape, nil
}

// NodeFileDescription describes one node CSV file
type NodeFileDescription struct {
	FilePath               string          `json:"filePath"`
	LabelName              string          `json:"labelName"`
	PrimaryKeyPropertyName string          `json:"primaryKeyPropertyName"`
	CSVSpecialChars        CSVSpecialChars `json:"csvSpecialChars"`
}

// RelFileDescription describes one rel CSV file
type RelFileDescription struct {
	FilePath          string          `json:"filePath"`
	LabelName         string          `json:"labelName"`
	RelMultiplicity   string          `json:"relMultiplicity"`
	SrcNodeLabelNames []string        `json:"srcNodeLabelNames"`
	DstNodeLabelNames []string        `json:"dstNodeLabelNames"`
	CSVSpecialChars   CSVSpecialChars `json:"csvSpecialChars"`
}

// DatasetMetadata is the parsed metadata.json descriptor
type DatasetMetadata struct {
	NodeFileDescriptions []NodeFileDescription `json:"nodeFileDescriptions"`
	RelFileDescriptions  []RelFileDescription  `json:"relFileDescriptions"`
}

// ReadDatasetMetadata parses metadata.json from the input directory and
// resolves file paths against it.
func ReadDatasetMetadata(inputDir string) (*DatasetMetadata, error) {
	path := filepath.Join(inputDir, MetadataFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParserError{File: path, Msg: err.Error()}
	}
	metadata := &DatasetMetadata{}
	if err := json.Unmarshal(raw, metadata); err != nil {
		return nil, &ParserError{File: path, Msg: fmt.Sprintf("metadata JSON parse error: %v", err)}
	}
	for i := range metadata.NodeFileDescriptions {
		desc := &metadata.NodeFileDescriptions[i]
		if desc.LabelName == "" || desc.FilePath == "" {
			return nil, &ParserError{File: path, Msg: "node file description requires filePath and labelName"}
		}
		desc.FilePath = filepath.Join(inputDir, desc.FilePath)
	}
	for i := range metadata.RelFileDescriptions {
		desc := &metadata.RelFileDescriptions[i]
		if desc.LabelName == "" || desc.FilePath == "" {
			return nil, &ParserError{File: path, Msg: "rel file description requires filePath and labelName"}
		}
		desc.FilePath = filepath.Join(inputDir, desc.FilePath)
	}
	return metadata, nil
}
