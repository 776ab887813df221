package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/go-pocket-asr/internal/decoder"
)

// fakeRecognizer records the samples it was fed and returns a fixed
// hypothesis.
type fakeRecognizer struct {
	started, ended bool
	samples        int
	hyp            string
	failStart      bool
}

func (f *fakeRecognizer) StartUtt() error {
	if f.failStart {
		return decoder.ErrBadState
	}
	f.started = true
	return nil
}

func (f *fakeRecognizer) ProcessRaw(samples []float32) error {
	f.samples += len(samples)
	return nil
}

func (f *fakeRecognizer) EndUtt() error {
	f.ended = true
	return nil
}

func (f *fakeRecognizer) Hyp() (string, int32) { return f.hyp, -1234 }

func (f *fakeRecognizer) Seg() []decoder.Segment {
	if f.hyp == "" {
		return nil
	}
	return []decoder.Segment{{Word: "GO", StartFrame: 0, EndFrame: 30}}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "info", want: slog.LevelInfo},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "warn", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := NewHandler(&fakeRecognizer{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestDecodeRaw(t *testing.T) {
	rec := &fakeRecognizer{hyp: "GO FORWARD"}
	h := NewHandler(rec)

	// 100 samples of raw PCM.
	body := make([]byte, 200)
	for i := 0; i < 100; i++ {
		binary.LittleEndian.PutUint16(body[i*2:], uint16(i))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/decode", bytes.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Hypothesis string `json:"hypothesis"`
		Segments   []struct {
			Word string `json:"word"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Hypothesis != "GO FORWARD" {
		t.Errorf("hypothesis = %q", resp.Hypothesis)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].Word != "GO" {
		t.Errorf("segments = %+v", resp.Segments)
	}
	if !rec.started || !rec.ended {
		t.Error("utterance lifecycle not driven")
	}
	if rec.samples != 100 {
		t.Errorf("recognizer saw %d samples, want 100", rec.samples)
	}
}

func TestDecodeRejectsWrongMethod(t *testing.T) {
	h := NewHandler(&fakeRecognizer{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/decode", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	h := NewHandler(&fakeRecognizer{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/decode", bytes.NewReader(nil)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestDecodeBodyLimit(t *testing.T) {
	h := NewHandler(&fakeRecognizer{}, WithMaxBodyBytes(10))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/decode", bytes.NewReader(make([]byte, 100))))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestDecodeRejectsBadWAV(t *testing.T) {
	h := NewHandler(&fakeRecognizer{})
	req := httptest.NewRequest(http.MethodPost, "/decode", strings.NewReader("definitely not a wav"))
	req.Header.Set("Content-Type", "audio/wav")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestDecodeSurfacesRecognizerError(t *testing.T) {
	h := NewHandler(&fakeRecognizer{failStart: true})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/decode", bytes.NewReader(make([]byte, 20))))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(&fakeRecognizer{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}
