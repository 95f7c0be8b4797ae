package oaipmh

import (
	"errors"
	"fmt"
)

// OAI-PMH error codes as defined in section 3.6 of the protocol.
const (
	CodeBadArgument             = "badArgument"
	CodeBadResumptionToken      = "badResumptionToken"
	CodeBadVerb                 = "badVerb"
	CodeCannotDisseminateFormat = "cannotDisseminateFormat"
	CodeIDDoesNotExist          = "idDoesNotExist"
	CodeNoRecordsMatch          = "noRecordsMatch"
	CodeNoMetadataFormats       = "noMetadataFormats"
	CodeNoSetHierarchy          = "noSetHierarchy"
)

var (
	ErrBadArgument             = errors.New("oaipmh: bad argument")
	ErrBadResumptionToken      = errors.New("oaipmh: bad resumption token")
	ErrBadVerb                 = errors.New("oaipmh: bad verb")
	ErrCannotDisseminateFormat = errors.New("oaipmh: cannot disseminate format")
	ErrIDDoesNotExist          = errors.New("oaipmh: identifier does not exist")
	ErrNoRecordsMatch          = errors.New("oaipmh: no records match")
	ErrNoMetadataFormats       = errors.New("oaipmh: no metadata formats")
	ErrNoSetHierarchy          = errors.New("oaipmh: no set hierarchy")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("oaipmh: transport failure")

	// ErrHarvestIncomplete is returned by a Pager that hit its page cap
	// while the server was still handing out resumption tokens.
	ErrHarvestIncomplete = errors.New("oaipmh: harvest incomplete")
)

var codeSentinels = map[string]error{
	CodeBadArgument:             ErrBadArgument,
	CodeBadResumptionToken:      ErrBadResumptionToken,
	CodeBadVerb:                 ErrBadVerb,
	CodeCannotDisseminateFormat: ErrCannotDisseminateFormat,
	CodeIDDoesNotExist:          ErrIDDoesNotExist,
	CodeNoRecordsMatch:          ErrNoRecordsMatch,
	CodeNoMetadataFormats:       ErrNoMetadataFormats,
	CodeNoSetHierarchy:          ErrNoSetHierarchy,
}

// ProtocolError is an <error> element returned by an OAI-PMH server.
// Use errors.Is with the Err* sentinels to branch on the code.
type ProtocolError struct {
	Verb    Verb
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("oaipmh: %s: %s", e.Verb, e.Code)
	}
	return fmt.Sprintf("oaipmh: %s: %s: %s", e.Verb, e.Code, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// TransportError covers everything below the protocol: connection
// failures, timeouts and non-200 responses.
type TransportError struct {
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oaipmh: request %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("oaipmh: request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ParseError reports XML that could not be parsed. Line is the
// approximate line of the offending token, or zero if unknown.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("oaipmh: malformed XML near line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("oaipmh: malformed XML: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNoRecordsMatch reports whether err means the listing is simply empty.
func IsNoRecordsMatch(err error) bool {
	return errors.Is(err, ErrNoRecordsMatch)
}

// IsPermanent reports whether err is a protocol error that repeating the
// same request would get again. badResumptionToken is not permanent: a
// fresh listing hands out new tokens.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrBadArgument,
		ErrBadVerb,
		ErrCannotDisseminateFormat,
		ErrIDDoesNotExist,
		ErrNoMetadataFormats,
		ErrNoSetHierarchy,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
