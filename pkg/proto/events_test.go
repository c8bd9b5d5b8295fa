package proto

import "testing"

func TestParseEventType(t *testing.T) {
	tests := []struct {
		input   string
		want    EventType
		wantErr bool
	}{
		{"phase-change", EventPhaseChange, false},
		{"reviewer-timeout", EventReviewerTimeout, false},
		{"consensus-round", EventConsensusRound, false},
		{"cost-update", EventCostUpdate, false},
		{"", "", true},
		{"reviewer_timeout", "", true},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEventType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEventType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEventType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewEventStampsVersionAndID(t *testing.T) {
	ev := NewEvent(EventPaused)

	if ev.Version != EventSchemaVersion {
		t.Errorf("Version = %d, want %d", ev.Version, EventSchemaVersion)
	}
	if ev.ID == "" {
		t.Error("ID should be populated")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be populated")
	}

	other := NewEvent(EventPaused)
	if other.ID == ev.ID {
		t.Error("consecutive events should get distinct IDs")
	}
}

func TestEventSetDetail(t *testing.T) {
	ev := NewStepEvent(EventReviewerCompleted, "s3")
	ev.SetDetail(KeyFindings, 2)
	ev.SetDetail(KeyReason, "review finished")

	if ev.StepID != "s3" {
		t.Errorf("StepID = %q, want s3", ev.StepID)
	}
	if ev.Detail[KeyFindings] != 2 {
		t.Errorf("Detail[findings] = %v, want 2", ev.Detail[KeyFindings])
	}
	if ev.Detail[KeyReason] != "review finished" {
		t.Errorf("Detail[reason] = %v", ev.Detail[KeyReason])
	}
}

func TestParseDecidedBy(t *testing.T) {
	tests := []struct {
		input   string
		want    DecidedBy
		wantErr bool
	}{
		{"consensus", DecidedByConsensus, false},
		{"executor", DecidedByExecutor, false},
		{"user", DecidedByUser, false},
		{"reviewer", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDecidedBy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecidedBy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDecidedBy(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
