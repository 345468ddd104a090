// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Package httperr maps the engine's sentinel errors onto spec.md §7's
// HTTP status table and its {error, message, trace_id} JSON error
// envelope. No teacher package does this — Bureau's HTTP handlers
// write ad hoc http.Error strings rather than a shared envelope — so
// this is new, following the teacher's plain net/http + log/slog
// style rather than a middleware/framework package.
package httperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinycloudlabs/node/lib/blockstore"
	"github.com/tinycloudlabs/node/lib/capability"
	"github.com/tinycloudlabs/node/lib/dispatch"
	"github.com/tinycloudlabs/node/lib/envelope"
	"github.com/tinycloudlabs/node/lib/eventlog"
	"github.com/tinycloudlabs/node/lib/kv"
	"github.com/tinycloudlabs/node/lib/verifier"
)

// Kind is one of spec.md §7's error kinds, serialized verbatim as the
// envelope's "error" field.
type Kind string

const (
	KindBadEnvelope      Kind = "BadEnvelope"
	KindBadResource      Kind = "BadResource"
	KindBadAbility       Kind = "BadAbility"
	KindInvalidSignature Kind = "InvalidSignature"
	KindNotYetValid      Kind = "NotYetValid"
	KindExpired          Kind = "Expired"
	KindUnknownParent    Kind = "UnknownParent"
	KindRevokedParent    Kind = "RevokedParent"
	KindUnauthorized     Kind = "Unauthorized"
	KindBodyMismatch     Kind = "BodyMismatch"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindTransient        Kind = "Transient"
)

// statusFor is spec.md §7's Kind → HTTP status table.
var statusFor = map[Kind]int{
	KindBadEnvelope:      http.StatusBadRequest,
	KindBadResource:      http.StatusBadRequest,
	KindBadAbility:       http.StatusBadRequest,
	KindInvalidSignature: http.StatusUnauthorized,
	KindNotYetValid:      http.StatusUnauthorized,
	KindExpired:          http.StatusUnauthorized,
	KindUnknownParent:    http.StatusConflict,
	KindRevokedParent:    http.StatusForbidden,
	KindUnauthorized:     http.StatusForbidden,
	KindBodyMismatch:     http.StatusBadRequest,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindQuotaExceeded:    http.StatusRequestEntityTooLarge,
	KindTransient:        http.StatusServiceUnavailable,
}

// Envelope is the JSON body written for every failed request.
type Envelope struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

// Classify maps err to the Kind spec.md §7 assigns it, walking the
// sentinel chain of every in-scope component via errors.Is. Unrecognized
// errors classify as Transient — they are assumed to be backend
// failures (a database or block-store I/O error) rather than a rejected
// request, matching §7's "nothing is fatal to the process" policy.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, verifier.ErrBadEnvelope), errors.Is(err, envelope.ErrBadEnvelope):
		return KindBadEnvelope
	case errors.Is(err, capability.ErrBadResource):
		return KindBadResource
	case errors.Is(err, capability.ErrBadAbility):
		return KindBadAbility
	case errors.Is(err, verifier.ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, verifier.ErrNotYetValid):
		return KindNotYetValid
	case errors.Is(err, verifier.ErrExpired):
		return KindExpired
	case errors.Is(err, eventlog.ErrUnknownParent):
		return KindUnknownParent
	case errors.Is(err, eventlog.ErrRevokedParent):
		return KindRevokedParent
	case errors.Is(err, eventlog.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, dispatch.ErrBodyMismatch):
		return KindBodyMismatch
	case errors.Is(err, kv.ErrNotFound), errors.Is(err, blockstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, eventlog.ErrConflict):
		return KindConflict
	case errors.Is(err, blockstore.ErrQuotaExceeded):
		return KindQuotaExceeded
	default:
		return KindTransient
	}
}

// Status returns the HTTP status code for kind.
func Status(kind Kind) int {
	if status, ok := statusFor[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Write classifies err and writes the JSON error envelope with the
// matching HTTP status, logging at a level appropriate to the kind:
// Transient errors (backend trouble) log at Error, everything else
// (a rejected but well-formed request) logs at Info.
func Write(w http.ResponseWriter, logger *slog.Logger, traceID string, err error) {
	kind := Classify(err)
	status := Status(kind)

	if kind == KindTransient {
		logger.Error("request failed", "trace_id", traceID, "error", err)
	} else {
		logger.Info("request rejected", "trace_id", traceID, "kind", kind, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:   kind,
		Message: err.Error(),
		TraceID: traceID,
	})
}
