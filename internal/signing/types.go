// Package signing holds the domain types shared across the signature service:
// the algorithm script value, signing requests and results, dispatch rules,
// the error taxonomy, and the capability interfaces the components depend on.
package signing

import (
	"context"
	"time"
)

// Script is one immutable version of the vendor signing algorithm. It is
// replaced wholesale on update and never mutated in place; sandbox contexts
// reference the version they were built from by Hash.
type Script struct {
	Source   string
	Hash     string
	Size     int
	LoadedAt time.Time
}

// Request is one inbound signing call. It lives only for the duration of
// the call.
type Request struct {
	TargetURI  string
	Platform   string
	Parameters map[string]any
	UserAgent  string
}

// Result is a successful signature computation.
type Result struct {
	Token      string
	EntryPoint string
	Elapsed    time.Duration
}

// Rule maps a target-URI shape to the script entry point that must sign it.
// Rules are static configuration evaluated in priority order (highest first,
// declaration order breaking ties); Pattern is a plain substring unless
// Regex is set, in which case it is compiled as a regular expression.
type Rule struct {
	Platform   string `json:"platform" mapstructure:"platform"`
	Pattern    string `json:"pattern" mapstructure:"pattern"`
	Regex      bool   `json:"regex" mapstructure:"regex"`
	EntryPoint string `json:"entry_point" mapstructure:"entry_point"`
	Priority   int    `json:"priority" mapstructure:"priority"`
}

// ScriptVersion is the audit record kept for every accepted script update.
type ScriptVersion struct {
	Hash        string
	Size        int
	LoadedAt    time.Time
	SubmittedBy string
}

// RotationEvent announces that the active script changed.
type RotationEvent struct {
	PreviousHash string    `json:"previous_hash"`
	NewHash      string    `json:"new_hash"`
	At           time.Time `json:"at"`
}

// Clock abstracts wall-clock access.
type Clock interface {
	Now() time.Time
}

// Hasher produces the content hash used for script change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator creates unique identifiers for contexts and requests.
type IDGenerator interface {
	NewID() (string, error)
}

// HistoryStore records accepted script versions durably.
type HistoryStore interface {
	RecordVersion(ctx context.Context, v ScriptVersion) error
	Close()
}

// Archive persists script version blobs so prior versions can be recovered
// and re-submitted.
type Archive interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// Publisher emits script rotation notifications to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event RotationEvent) error
	Close() error
}
