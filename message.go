package main

import (
	"fmt"

	"github.com/Tutortoise/symbol-reader-service/models"
)

const (
	MsgNoSymbols = "No symbols were found in the image. Make sure the symbols are on a single horizontal line with good contrast against the background."

	MsgPartialRead = "Some symbols could not be read and were left out of the result."

	MsgLowConfidence = "The symbols were read with low confidence. A sharper or better lit image may give a more reliable result."
)

const lowConfidence = 0.5

func readMessage(result models.ReadResult) string {
	switch {
	case len(result.Detections) == 0:
		return MsgNoSymbols
	case len(result.Failures) > 0:
		return fmt.Sprintf("%s Read %d of %d.", MsgPartialRead, len(result.Detections), len(result.Detections)+len(result.Failures))
	case result.Confidence < lowConfidence:
		return MsgLowConfidence
	default:
		return fmt.Sprintf("Read %d symbols: %s", len(result.Detections), result.Text)
	}
}
