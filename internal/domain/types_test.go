package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestMode_Properties(t *testing.T) {
	tests := []struct {
		mode       Mode
		dataset    bool
		loadsModel bool
	}{
		{ModePrepareOnly, true, false},
		{ModeMergeLora, false, true},
		{ModeInference, false, true},
		{ModeReshard, false, true},
		{ModeTrain, true, true},
	}
	for _, tt := range tests {
		if got := tt.mode.NeedsDataset(); got != tt.dataset {
			t.Errorf("%s.NeedsDataset() = %v, want %v", tt.mode, got, tt.dataset)
		}
		if got := tt.mode.LoadsModel(); got != tt.loadsModel {
			t.Errorf("%s.LoadsModel() = %v, want %v", tt.mode, got, tt.loadsModel)
		}
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	if RunRunning.Terminal() {
		t.Error("running should not be terminal")
	}
	for _, s := range []RunStatus{RunCompleted, RunInterrupted, RunFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestCliArgs_PrompterName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"None", ""},
		{"none", ""},
		{" alpaca ", "alpaca"},
	}
	for _, tt := range tests {
		got := CliArgs{Prompter: tt.in}.PrompterName()
		if got != tt.want {
			t.Errorf("PrompterName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCliArgs_SetModeFlags(t *testing.T) {
	args := CliArgs{Shard: true, MergeLora: true, Debug: true}
	got := args.SetModeFlags()
	want := []string{"merge_lora", "shard"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SetModeFlags() = %v, want %v", got, want)
	}
}

func TestRun_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &Run{StartedAt: start}
	if got := r.Duration(start.Add(time.Minute)); got != time.Minute {
		t.Errorf("Duration() = %v, want 1m", got)
	}
	end := start.Add(5 * time.Minute)
	r.FinishedAt = &end
	if got := r.Duration(start.Add(time.Hour)); got != 5*time.Minute {
		t.Errorf("Duration() = %v, want 5m", got)
	}
}
