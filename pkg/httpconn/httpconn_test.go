package httpconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAdapterReadsRequestLine(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/transport/lp/receive?peer-id=abc", nil)
	rec := httptest.NewRecorder()

	a := New(rec, req)
	if a.Method() != http.MethodGet {
		t.Fatalf("unexpected method %s", a.Method())
	}
	if a.Path() != "/transport/lp/receive" {
		t.Fatalf("unexpected path %s", a.Path())
	}
	if got := a.Query().Get("peer-id"); got != "abc" {
		t.Fatalf("unexpected query value %q", got)
	}
}

func TestAdapterReadAllBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/transport/lp/send", strings.NewReader("hello body"))
	rec := httptest.NewRecorder()

	a := New(rec, req)
	body, err := a.ReadAllBody()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello body" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestAdapterWriteChunkAndRespond(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/transport/lp/receive", nil)
	rec := httptest.NewRecorder()

	a := New(rec, req)
	headers := http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}}
	if err := a.WriteResponseHeaders(http.StatusOK, headers); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteChunk([]byte{0x05, 'h', 'e', 'l', 'l', 'o'}); err != nil {
		t.Fatal(err)
	}
	if err := a.CloseChunkedBody(); err != nil {
		t.Fatal(err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Body.String() != "\x05hello" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAdapterKeepAlive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Close = false
	rec := httptest.NewRecorder()
	a := New(rec, req)
	if !a.KeepAlive() {
		t.Fatal("expected keep-alive true by default for HTTP/1.1")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.Header.Set("Connection", "close")
	a2 := New(httptest.NewRecorder(), req2)
	if a2.KeepAlive() {
		t.Fatal("expected keep-alive false when Connection: close is set")
	}
}

func TestAdapterHijackUnsupported(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	a := New(rec, req)
	if _, _, err := a.Hijack(); err != ErrHijackUnsupported {
		t.Fatalf("expected ErrHijackUnsupported, got %v", err)
	}
}
