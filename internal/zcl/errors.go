package zcl

import (
	"errors"
	"fmt"
)

// ErrMalformed marks a frame or payload whose length or field values are
// outside what the decoder expects.
var ErrMalformed = errors.New("zcl: malformed payload")

// StatusError is a protocol rejection: the device answered with a
// non-success ZCL status.
type StatusError struct {
	Status    uint8
	CommandID uint8
	AttrID    uint16
	HasAttr   bool
}

func (e *StatusError) Error() string {
	if e.HasAttr {
		return fmt.Sprintf("zcl: attribute 0x%04X: status %s", e.AttrID, StatusName(e.Status))
	}
	return fmt.Sprintf("zcl: command 0x%02X: status %s", e.CommandID, StatusName(e.Status))
}

// StatusName returns a human-readable name for a ZCL status code.
func StatusName(status uint8) string {
	switch status {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusNotAuthorized:
		return "NOT_AUTHORIZED"
	case StatusMalformedCommand:
		return "MALFORMED_COMMAND"
	case StatusUnsupClusterCommand:
		return "UNSUP_CLUSTER_COMMAND"
	case StatusUnsupGeneralCommand:
		return "UNSUP_GENERAL_COMMAND"
	case StatusUnsupMfgClusterCommand:
		return "UNSUP_MANUF_CLUSTER_COMMAND"
	case StatusUnsupMfgGeneralCommand:
		return "UNSUP_MANUF_GENERAL_COMMAND"
	case StatusInvalidField:
		return "INVALID_FIELD"
	case StatusUnsupportedAttr:
		return "UNSUPPORTED_ATTRIBUTE"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusInsufficientSpace:
		return "INSUFFICIENT_SPACE"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusUnreportable:
		return "UNREPORTABLE_ATTRIBUTE"
	case StatusInvalidDataType:
		return "INVALID_DATA_TYPE"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("0x%02X", status)
	}
}
