package quota

import (
	"context"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func TestUnlimitedProviderAlwaysAdmitted(t *testing.T) {
	tr := NewMemoryTracker()
	for i := 0; i < 100; i++ {
		if err := tr.Record(context.Background(), "open", 1000, 1000); err != nil {
			t.Fatal(err)
		}
	}
	dec, err := tr.Check(context.Background(), "open", Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed || dec.Warning || dec.Utilisation != 0 {
		t.Errorf("unlimited decision: %+v", dec)
	}
}

func TestRPMDenialAndWarning(t *testing.T) {
	tr := NewMemoryTracker()
	limits := Limits{RPM: intp(10)}
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_ = tr.Record(ctx, "groq", 1, 1)
	}
	dec, _ := tr.Check(ctx, "groq", limits)
	if !dec.Allowed || dec.Warning {
		t.Errorf("at 70%%: %+v", dec)
	}

	_ = tr.Record(ctx, "groq", 1, 1)
	dec, _ = tr.Check(ctx, "groq", limits)
	if !dec.Allowed || !dec.Warning {
		t.Errorf("at 80%% must warn but admit: %+v", dec)
	}

	_ = tr.Record(ctx, "groq", 1, 1)
	_ = tr.Record(ctx, "groq", 1, 1)
	dec, _ = tr.Check(ctx, "groq", limits)
	if dec.Allowed {
		t.Errorf("at the limit must deny: %+v", dec)
	}
	if dec.Utilisation != 1 {
		t.Errorf("utilisation = %v, want 1", dec.Utilisation)
	}
}

func TestTPMCountsInputPlusOutput(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()
	limits := Limits{TPM: intp(100)}

	_ = tr.Record(ctx, "openai", 60, 40)
	dec, _ := tr.Check(ctx, "openai", limits)
	if dec.Allowed {
		t.Errorf("100 tokens against TPM=100 must deny: %+v", dec)
	}
}

func TestWindowSlides(t *testing.T) {
	tr := NewMemoryTracker()
	now := time.Now()
	tr.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()
	limits := Limits{RPM: intp(2)}

	_ = tr.Record(ctx, "slow", 1, 1)
	_ = tr.Record(ctx, "slow", 1, 1)
	if dec, _ := tr.Check(ctx, "slow", limits); dec.Allowed {
		t.Errorf("full window must deny: %+v", dec)
	}

	// 61 seconds later both samples have aged out.
	now = now.Add(Window + time.Second)
	dec, _ := tr.Check(ctx, "slow", limits)
	if !dec.Allowed || dec.Utilisation != 0 {
		t.Errorf("aged-out window must admit cleanly: %+v", dec)
	}
}
