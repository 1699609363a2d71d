package local

import (
	"context"
	"testing"

	"github.com/elum-utils/aiocensor/engine"
	"github.com/elum-utils/aiocensor/models"
)

func TestLocalProviderReportsMatchingRules(t *testing.T) {
	m := engine.New(engine.Options{})
	m.ReplaceLines([]string{"spam&buy~refund", "casino", "buy&now"})
	p := New("", m)

	v, err := p.Check(context.Background(), models.ModerationRequest{Kind: models.KindText, Text: "SPAM: buy now"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Violated || v.Provider != DefaultID || len(v.Reasons) != 2 {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if v.Reasons[0] != "spam&buy~refund" || v.Reasons[1] != "buy&now" {
		t.Fatalf("unexpected reasons: %v", v.Reasons)
	}
	if len(v.Keywords) != 3 || v.Confidence == nil || *v.Confidence != 1 {
		t.Fatalf("unexpected keywords/confidence: %+v", v)
	}

	v, _ = p.Check(context.Background(), models.ModerationRequest{Kind: models.KindText, Text: "buy now, no refund? spam"})
	if len(v.Reasons) != 1 || v.Reasons[0] != "buy&now" {
		t.Fatalf("exclude group ignored: %+v", v)
	}
}

func TestLocalProviderCleanAndUnsupported(t *testing.T) {
	p := New("kw", engine.New(engine.Options{}))
	v, err := p.Check(context.Background(), models.ModerationRequest{Kind: models.KindText, Text: "hello"})
	if err != nil || v.Violated || v.Provider != "kw" {
		t.Fatalf("unexpected verdict: %+v %v", v, err)
	}
	_, err = p.Check(context.Background(), models.ModerationRequest{Kind: models.KindImageURL, URL: "http://x"})
	if models.KindOf(err) != models.ErrUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if p.Capabilities().Supports(models.KindImageURL) {
		t.Fatalf("local provider is text only")
	}
}
