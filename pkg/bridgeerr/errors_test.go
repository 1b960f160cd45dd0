package bridgeerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkErrorCreation(t *testing.T) {
	baseErr := fmt.Errorf("connection reset")
	err := Network("mqtt_connect", baseErr)

	if err.Kind != KindNetwork {
		t.Errorf("expected KindNetwork, got %s", err.Kind)
	}
	if err.Severity != SeverityError {
		t.Errorf("expected SeverityError, got %s", err.Severity)
	}
	if msg := err.Error(); msg == "" {
		t.Error("expected non-empty error message")
	}
}

func TestTimeoutErrorCreation(t *testing.T) {
	err := Timeout("wait_for_data", fmt.Errorf("deadline exceeded"))
	if err.Kind != KindTimeout {
		t.Errorf("expected KindTimeout, got %s", err.Kind)
	}
	if err.Severity != SeverityWarning {
		t.Errorf("expected SeverityWarning, got %s", err.Severity)
	}
}

func TestAuthErrorIsCritical(t *testing.T) {
	err := Auth("authenticate", fmt.Errorf("no token in response"))
	if err.Severity != SeverityCritical {
		t.Errorf("expected SeverityCritical, got %s", err.Severity)
	}
}

func TestErrorUnwrapping(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	err := Network("test", baseErr)

	unwrapped := errors.Unwrap(err)
	if unwrapped != baseErr {
		t.Error("expected to unwrap to base error")
	}
}

func TestValidationErrorUnknownRegister(t *testing.T) {
	err := NewValidationError(999, 0, nil)
	if err.Kind != KindValidation {
		t.Errorf("expected KindValidation, got %s", err.Kind)
	}
	if err.Register != 999 {
		t.Errorf("expected register 999, got %d", err.Register)
	}
	if err.Allowed != nil {
		t.Error("expected Allowed to be nil for an unknown register")
	}
}

func TestValidationErrorOutOfRange(t *testing.T) {
	err := NewValidationError(24, 2, []uint16{0, 1})
	if err.Value != 2 {
		t.Errorf("expected value 2, got %d", err.Value)
	}
	msg := err.Error()
	if msg == "" {
		t.Error("expected non-empty error message")
	}
}

func TestErrorTypeAssertion(t *testing.T) {
	var err error = NewValidationError(24, 2, []uint16{0, 1})

	switch e := err.(type) {
	case *ValidationError:
		if e.Register != 24 {
			t.Errorf("expected register 24, got %d", e.Register)
		}
	default:
		t.Error("expected *ValidationError")
	}
}

func TestCancelledErrorSeverityIsInfo(t *testing.T) {
	err := Cancelled("poll", fmt.Errorf("context canceled"))
	if err.Severity != SeverityInfo {
		t.Errorf("expected SeverityInfo, got %s", err.Severity)
	}
}
