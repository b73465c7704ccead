package model

import (
	"testing"
	"time"
)

func TestImageFormatMimeAndExt(t *testing.T) {
	cases := []struct {
		format   ImageFormat
		wantMime string
		wantExt  string
	}{
		{FormatPNG, "image/png", "png"},
		{FormatJPEG, "image/jpeg", "jpg"},
		{FormatGIF, "image/gif", "gif"},
		{FormatWebP, "image/webp", "webp"},
		{FormatUnknown, "application/octet-stream", "bin"},
	}
	for _, tc := range cases {
		if got := tc.format.MimeType(); got != tc.wantMime {
			t.Errorf("%q.MimeType() = %q, want %q", tc.format, got, tc.wantMime)
		}
		if got := tc.format.Ext(); got != tc.wantExt {
			t.Errorf("%q.Ext() = %q, want %q", tc.format, got, tc.wantExt)
		}
	}
}

func TestImageUnanalyzed(t *testing.T) {
	untouched := Image{Category: DefaultCategory}
	if !untouched.Unanalyzed() {
		t.Fatal("expected image with no tags and default category to read as unanalyzed")
	}

	tagged := Image{Category: DefaultCategory, Tags: []string{"cat"}}
	if tagged.Unanalyzed() {
		t.Fatal("expected tagged image to not read as unanalyzed")
	}

	categorized := Image{Category: "表情"}
	if categorized.Unanalyzed() {
		t.Fatal("expected image with a non-default category to not read as unanalyzed")
	}
}

func TestAITaskEligible(t *testing.T) {
	now := time.Now()

	pendingDue := AITask{Status: TaskPending, NextRetryAt: now.Add(-time.Minute)}
	if !pendingDue.Eligible(now) {
		t.Fatal("expected a pending task whose retry delay elapsed to be eligible")
	}

	pendingFuture := AITask{Status: TaskPending, NextRetryAt: now.Add(time.Minute)}
	if pendingFuture.Eligible(now) {
		t.Fatal("expected a pending task still backing off to not be eligible")
	}

	processing := AITask{Status: TaskProcessing, NextRetryAt: now.Add(-time.Minute)}
	if processing.Eligible(now) {
		t.Fatal("expected a processing task to never be eligible")
	}
}
