// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

package httperr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinycloudlabs/node/lib/blockstore"
	"github.com/tinycloudlabs/node/lib/eventlog"
	"github.com/tinycloudlabs/node/lib/verifier"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{verifier.ErrExpired, KindExpired},
		{verifier.ErrNotYetValid, KindNotYetValid},
		{verifier.ErrInvalidSignature, KindInvalidSignature},
		{eventlog.ErrUnknownParent, KindUnknownParent},
		{eventlog.ErrRevokedParent, KindRevokedParent},
		{eventlog.ErrUnauthorized, KindUnauthorized},
		{eventlog.ErrConflict, KindConflict},
		{blockstore.ErrNotFound, KindNotFound},
		{blockstore.ErrQuotaExceeded, KindQuotaExceeded},
		{fmt.Errorf("wrapped: %w", verifier.ErrExpired), KindExpired},
		{fmt.Errorf("totally unrecognized database error"), KindTransient},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestStatusTable(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindBadEnvelope, http.StatusBadRequest},
		{KindInvalidSignature, http.StatusUnauthorized},
		{KindRevokedParent, http.StatusForbidden},
		{KindUnknownParent, http.StatusConflict},
		{KindNotFound, http.StatusNotFound},
		{KindQuotaExceeded, http.StatusRequestEntityTooLarge},
		{KindTransient, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		if got := Status(c.kind); got != c.want {
			t.Errorf("Status(%v) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestWriteEncodesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	logger := slog.New(slog.DiscardHandler)

	Write(rec, logger, "trace-123", eventlog.ErrRevokedParent)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if env.Error != KindRevokedParent {
		t.Errorf("Error = %v, want %v", env.Error, KindRevokedParent)
	}
	if env.TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want %q", env.TraceID, "trace-123")
	}
}
