package job

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"tryon-relay/src/jobgraph"
)

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindQueued, false},
		{KindRunning, false},
		{KindCompleted, true},
		{KindFailed, true},
		{KindCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestDecodeInline(t *testing.T) {
	ref, ok := DecodeInline("base64", "AAAA")
	if !ok {
		t.Fatal("expected displayable artifact")
	}
	if !bytes.Equal(ref.Data, []byte{0, 0, 0}) {
		t.Errorf("data = %v", ref.Data)
	}

	if _, ok := DecodeInline("s3_url", "https://x"); ok {
		t.Error("non-base64 type must not be displayable")
	}
	if _, ok := DecodeInline("base64", ""); ok {
		t.Error("empty data must not be displayable")
	}
	if _, ok := DecodeInline("base64", "!!!"); ok {
		t.Error("invalid base64 must not be displayable")
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}
	url := EncodeDataURL(png)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("url = %q", url)
	}
	data, mime, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mime != "image/png" || !bytes.Equal(data, png) {
		t.Errorf("got %q %v", mime, data)
	}

	for _, bad := range []string{"", "http://x", "data:image/png,abc", "data:image/png;base64"} {
		if _, _, err := DecodeDataURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSummarize(t *testing.T) {
	img := ArtifactRef{Data: []byte{1}}

	s := Summarize(Completed(img))
	if s.Kind != SummaryImages || s.Message != "Job completed! Displaying 1 image(s)." {
		t.Errorf("images summary = %+v", s)
	}

	s = Summarize(Completed())
	if s.Kind != SummaryNoDisplayableOutput || !strings.Contains(s.Message, "no images") {
		t.Errorf("empty summary = %+v", s)
	}

	st := Completed()
	st.ImagesReported = 2
	s = Summarize(st)
	if s.Kind != SummaryNoDisplayableOutput || !strings.Contains(s.Message, "no displayable images") {
		t.Errorf("undisplayable summary = %+v", s)
	}

	s = Summarize(Failed(""))
	if s.Kind != SummaryJobFailed || s.Message != "Job failed or was cancelled\n\nStatus: FAILED." {
		t.Errorf("failed summary = %q", s.Message)
	}

	f := Failed("OOM")
	f.Details = []string{"node 3", "out of memory"}
	if got := Summarize(f).Message; got != "OOM\n\nnode 3\nout of memory" {
		t.Errorf("details summary = %q", got)
	}

	if got := Summarize(Cancelled()).Kind; got != SummaryJobCancelled {
		t.Errorf("cancelled kind = %v", got)
	}
}

func TestProgressText(t *testing.T) {
	r := Running(0)
	r.ExecutionTimeMS = 500
	if got := ProgressText(r); got != "Job in progress... (Execution time: 500ms)" {
		t.Errorf("running text = %q", got)
	}
	if got := ProgressText(Queued(0)); got != "Job is in queue, waiting for a worker..." {
		t.Errorf("queued text = %q", got)
	}
}

func TestNewRequestCopiesTemplate(t *testing.T) {
	tmpl := jobgraph.Default()
	req, err := NewRequest(tmpl, jobgraph.Bindings{PersonNode: "1", ClothNode: "2"}, []byte("p"), []byte("c"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := req.Template.SetImage("1", "mutated.png"); err != nil {
		t.Fatal(err)
	}
	if img, _ := tmpl.Image("1"); img != PersonImageName {
		t.Errorf("template leaked mutation: %q", img)
	}
	if len(req.Attachments) != 2 || req.Attachments[0].Name != PersonImageName || req.Attachments[1].Name != ClothImageName {
		t.Errorf("attachments = %+v", req.Attachments)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	if !errors.Is(&SubmissionError{Err: base}, base) {
		t.Error("SubmissionError should unwrap")
	}
	if !IsTransient(&TransientError{Op: "poll", Err: base}) {
		t.Error("IsTransient should detect TransientError")
	}
	if IsTransient(base) {
		t.Error("plain error is not transient")
	}
	if got := base64.StdEncoding.EncodeToString([]byte{0, 0, 0}); got != "AAAA" {
		t.Fatalf("sanity: %s", got)
	}
}
