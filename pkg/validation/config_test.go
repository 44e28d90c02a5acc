package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_Required(t *testing.T) {
	cv := NewConfigValidator("EngineConfig")
	cv.Required("InstanceID", "")

	err := cv.Validate()
	if err == nil {
		t.Fatal("Expected error for empty required field")
	}
	if !strings.Contains(err.Error(), "EngineConfig.InstanceID") {
		t.Errorf("Error should name the field, got %v", err)
	}

	cv2 := NewConfigValidator("EngineConfig")
	cv2.Required("InstanceID", "A")

	if err := cv2.Validate(); err != nil {
		t.Errorf("Expected no error for non-empty required field, got %v", err)
	}
}

func TestConfigValidator_FractionOpenClosed(t *testing.T) {
	tests := []struct {
		value   float64
		wantErr bool
	}{
		{0, true},
		{-0.1, true},
		{0.4, false},
		{1, false},
		{1.01, true},
	}

	for _, tt := range tests {
		err := NewConfigValidator("EngineConfig").FractionOpenClosed("FullSyncThreshold", tt.value).Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("FractionOpenClosed(%g) error = %v, want error %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestConfigValidator_Chaining(t *testing.T) {
	err := NewConfigValidator("NodeConfig").
		Required("InstanceID", "").
		Positive("MaxPayloadEntities", 0).
		NonNegative("MinIncrementalNodes", -1).
		MinDuration("SyncInterval", time.Millisecond, time.Second).
		OneOf("Store", "redis", []string{"memory", "bolt", "postgres"}).
		Validate()

	if err == nil {
		t.Fatal("Expected combined error")
	}
	if !strings.Contains(err.Error(), "5 errors") {
		t.Errorf("Expected 5 collected errors, got %v", err)
	}
}

func TestConfigValidator_When(t *testing.T) {
	cv := NewConfigValidator("NodeConfig")
	cv.When(false, func(v *ConfigValidator) {
		v.Required("DatabaseURL", "")
	})
	if err := cv.Validate(); err != nil {
		t.Errorf("Validations inside a false When should not run, got %v", err)
	}

	cv.When(true, func(v *ConfigValidator) {
		v.Required("DatabaseURL", "")
	})
	err := cv.Validate()
	if err == nil || !strings.Contains(err.Error(), "NodeConfig.DatabaseURL") {
		t.Fatalf("Expected the DatabaseURL error alone, got %v", err)
	}
	if strings.Contains(err.Error(), "errors") {
		t.Errorf("Expected a single error, got %v", err)
	}
}

func TestConfigValidator_Custom(t *testing.T) {
	sentinel := errors.New("bad peer")
	err := NewConfigValidator("NodeConfig").Custom("Peers", func() error { return sentinel }).Validate()
	if !errors.Is(err, sentinel) {
		t.Errorf("Custom error should wrap the cause, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	if got := DefaultOr("", "x"); got != "x" {
		t.Errorf("DefaultOr = %q", got)
	}
	if got := DefaultOrInt(0, 5); got != 5 {
		t.Errorf("DefaultOrInt = %d", got)
	}
	if got := DefaultOrDuration(-time.Second, time.Minute); got != time.Minute {
		t.Errorf("DefaultOrDuration = %v", got)
	}
	if got := DefaultOrFloat(0, 0.4); got != 0.4 {
		t.Errorf("DefaultOrFloat = %g", got)
	}
	if got := DefaultOrFloat(0.7, 0.4); got != 0.7 {
		t.Errorf("DefaultOrFloat kept default over a set value: %g", got)
	}
}
