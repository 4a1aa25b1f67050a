package berrors

import (
	"errors"
	"testing"
)

func TestCategoryCodesMatchTaxonomy(t *testing.T) {
	cases := []struct {
		err  *Error
		code Code
	}{
		{InvalidParam("bad"), CodeBadRequest},
		{NotFound("service", "svc-a"), CodeNotFound},
		{Conflict("exists"), CodeConflict},
		{Unauthorized("missing token"), CodeUnauthorized},
		{AccessDenied("res", "w"), CodeAccessDenied},
		{Upstream(errors.New("x"), "timeout"), CodeUnavailable},
		{Internal(errors.New("x"), "disk"), CodeInternal},
	}
	for _, c := range cases {
		if c.err.Code != c.code {
			t.Errorf("%v: Code = %v, want %v", c.err.Category, c.err.Code, c.code)
		}
	}
}

func TestOnlyUpstreamIsRetryable(t *testing.T) {
	if !Upstream(errors.New("x"), "y").Retryable() {
		t.Fatal("Upstream errors should be retryable")
	}
	if Internal(errors.New("x"), "y").Retryable() {
		t.Fatal("Internal errors should not be retryable")
	}
	if InvalidParam("x").Retryable() {
		t.Fatal("parameter errors should not be retryable")
	}
}

func TestAsErrorWrapsUnclassifiedErrors(t *testing.T) {
	plain := errors.New("boom")
	be := AsError(plain)
	if be.Category != CategoryInternal {
		t.Fatalf("Category = %v, want CategoryInternal", be.Category)
	}
}

func TestAsErrorPassesThroughExistingError(t *testing.T) {
	orig := NotFound("config", "app.yaml")
	be := AsError(orig)
	if be != orig {
		t.Fatal("AsError should return the same *Error unchanged")
	}
}

func TestAsErrorNilIsNil(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatal("AsError(nil) should be nil")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	be := Internal(cause, "write failed")
	if !errors.Is(be, be) {
		t.Fatal("sanity: error should equal itself")
	}
	if errors.Unwrap(be) == nil {
		t.Fatal("Internal error should unwrap to its cause")
	}
}
