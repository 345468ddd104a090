// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinycloudlabs/node/lib/dispatch"
	"github.com/tinycloudlabs/node/lib/did"
	"github.com/tinycloudlabs/node/lib/envelope"
	"github.com/tinycloudlabs/node/lib/eventlog"
	"github.com/tinycloudlabs/node/lib/hostkey"
	"github.com/tinycloudlabs/node/lib/httperr"
	"github.com/tinycloudlabs/node/lib/secret"
	"github.com/tinycloudlabs/node/lib/verifier"
)

// protocolVersion gates client/server compatibility per spec.md §6: a
// client must match this exactly, not merely be greater-or-equal.
const protocolVersion = 1

const nodeVersion = "0.1.0"

// features lists the envelope/service capabilities this build exposes
// at /version, so a client can probe for optional support without
// bumping protocolVersion.
var features = []string{"siwe", "cacao", "ucan", "kv"}

// maxInvocationBodyBytes bounds the size of an uploaded kv/put body.
// The block store itself has no size limit; this is purely a
// transport-level guard against an unbounded request stalling a
// connection slot.
const maxInvocationBodyBytes = 64 << 20 // 64MiB

// handler wires the five spec.md §6 endpoints to the engine
// components. It holds no mutable state of its own; every field is
// safe for concurrent use by multiple goroutines.
type handler struct {
	log            *eventlog.Log
	dispatcher     *dispatch.Dispatcher
	registry       *did.Registry
	staticSecret   *secret.Buffer
	requestTimeout time.Duration
	logger         *slog.Logger
}

type handlerConfig struct {
	log            *eventlog.Log
	dispatcher     *dispatch.Dispatcher
	registry       *did.Registry
	staticSecret   *secret.Buffer
	requestTimeout time.Duration
	logger         *slog.Logger
}

func newHandler(cfg handlerConfig) *handler {
	return &handler{
		log:            cfg.log,
		dispatcher:     cfg.dispatcher,
		registry:       cfg.registry,
		staticSecret:   cfg.staticSecret,
		requestTimeout: cfg.requestTimeout,
		logger:         cfg.logger,
	}
}

// handleVersion serves GET /version: unauthenticated, used by clients
// to confirm protocol compatibility before sending anything else.
func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol": protocolVersion,
		"version":  nodeVersion,
		"features": features,
	})
}

// handlePeerGenerate serves GET /peer/generate/<space-id>: derives the
// space's peer key from the static secret and returns its DID as plain
// text, per spec.md §4.J's bootstrap flow.
func (h *handler) handlePeerGenerate(w http.ResponseWriter, r *http.Request) {
	trace := newTraceID()
	spaceID := r.PathValue("spaceID")
	if spaceID == "" {
		httperr.Write(w, h.logger, trace, fmt.Errorf("%w: space id is required", verifier.ErrBadEnvelope))
		return
	}

	keypair, err := hostkey.Derive(h.staticSecret, spaceID)
	if err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	}
	defer keypair.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, keypair.DID)
}

// handleDelegate serves POST /delegate: verifies the Authorization
// envelope and, depending on its kind, either inserts a new delegation
// or applies a revocation to an existing one.
func (h *handler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	trace := newTraceID()
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	header := r.Header.Get("Authorization")
	if header == "" {
		httperr.Write(w, h.logger, trace, fmt.Errorf("%w: missing Authorization header", verifier.ErrBadEnvelope))
		return
	}

	result, err := verifier.Verify(header, h.registry, time.Now())
	if err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	}

	switch result.Kind {
	case envelope.KindDelegationCACAO, envelope.KindDelegationUCAN:
		cid, err := h.log.InsertDelegation(ctx, result)
		if err != nil {
			httperr.Write(w, h.logger, trace, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cid": cid.String()})
	case envelope.KindRevocationUCAN:
		cid, err := h.log.InsertRevocation(ctx, result, result.RevokedSubjectCID)
		if err != nil {
			httperr.Write(w, h.logger, trace, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cid": cid.String()})
	default:
		httperr.Write(w, h.logger, trace, fmt.Errorf("%w: /delegate does not accept a %v envelope", verifier.ErrBadEnvelope, result.Kind))
	}
}

// handleInvoke serves POST /invoke: verifies the Authorization envelope
// as an invocation, records it against its cited parent, and dispatches
// it to the kv handler the invocation names.
func (h *handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	trace := newTraceID()
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	header := r.Header.Get("Authorization")
	if header == "" {
		httperr.Write(w, h.logger, trace, fmt.Errorf("%w: missing Authorization header", verifier.ErrBadEnvelope))
		return
	}

	result, err := verifier.VerifyInvocation(header, h.registry, time.Now())
	if err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvocationBodyBytes+1))
	if err != nil {
		httperr.Write(w, h.logger, trace, fmt.Errorf("reading request body: %w", err))
		return
	}
	if len(body) > maxInvocationBodyBytes {
		httperr.Write(w, h.logger, trace, fmt.Errorf("%w: request body exceeds %d bytes", verifier.ErrBadEnvelope, maxInvocationBodyBytes))
		return
	}

	// Replay check runs before InsertInvocation: a retried invocation
	// carries the same raw bytes, so the second submit would otherwise
	// collide on the event table's cid primary key instead of reaching
	// the dispatcher's own nonce bookkeeping.
	if ref, seen, err := h.log.NonceSeen(ctx, result.IssuerDID, result.Nonce); err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	} else if seen {
		var replayed dispatch.Result
		if ref != "" {
			if err := json.Unmarshal([]byte(ref), &replayed); err != nil {
				httperr.Write(w, h.logger, trace, fmt.Errorf("decoding replayed response: %w", err))
				return
			}
		}
		writeJSON(w, http.StatusOK, &replayed)
		return
	}

	record, err := h.log.InsertInvocation(ctx, result)
	if err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	}

	res, err := h.dispatcher.Dispatch(ctx, dispatch.Invocation{
		Record: record,
		Body:   body,
		Now:    time.Now().Unix(),
	})
	if err != nil {
		httperr.Write(w, h.logger, trace, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHealthz serves GET /healthz: a bare liveness probe.
func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// newTraceID generates a short opaque identifier for the error
// envelope's trace_id field, letting an operator correlate a client
// report with the corresponding log line.
func newTraceID() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
