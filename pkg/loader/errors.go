package loader

import (
	"fmt"
)

// ParserError reports a fatal CSV or JSON header problem; the load aborts
type ParserError struct {
	File string
	Msg  string
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("parser error: %s: %s", e.File, e.Msg)
}

// ConversionError reports a row-level value coercion failure with its
// source position.
type ConversionError struct {
	File string
	Line uint64
	Msg  string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion error: %s:%d: %s", e.File, e.Line, e.Msg)
}

// LoaderError aggregates a failed load. The output directory has been
// removed by the time it surfaces.
type LoaderError struct {
	Err error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("loader error: %v", e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }
