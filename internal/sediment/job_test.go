package sediment

import (
	"errors"
	"testing"
)

func TestParseJob(t *testing.T) {
	job, err := ParseJob("job42,http://x/img.jpg")
	if err != nil {
		t.Fatalf("ParseJob returned error: %v", err)
	}
	want := JobDescriptor{ID: "job42", ImageURL: "http://x/img.jpg"}
	if job != want {
		t.Fatalf("ParseJob = %+v, want %+v", job, want)
	}
}

func TestParseJobRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{"badbody", "", ",http://x/img.jpg", "job42,", "a,b,c", " , "} {
		_, err := ParseJob(body)
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("ParseJob(%q) error = %v, want ErrMalformedMessage", body, err)
		}
		if Retryable(err) {
			t.Fatalf("malformed body %q must not be retryable", body)
		}
	}
}

func TestRetryableDomainFailures(t *testing.T) {
	for _, err := range []error{ErrNoCoinDetected, ErrPersistenceFailure, ErrCollaboratorHTTP, ErrNoTilesAvailable} {
		if !Retryable(err) {
			t.Fatalf("%v should be retryable", err)
		}
	}
	if Retryable(nil) {
		t.Fatal("nil error is not retryable")
	}
}

func TestScaleVector(t *testing.T) {
	vec := PercentileVector{1, 2, 3, 4, 5, 6, 7, 8, 9}
	est, err := ScaleVector(vec, 0.5)
	if err != nil {
		t.Fatalf("ScaleVector returned error: %v", err)
	}
	if est.SizeMM != 2 {
		t.Fatalf("SizeMM = %v, want 2", est.SizeMM)
	}
	if est.Distribution["D50mean"] != 2.5 || est.Distribution["D90"] != 4.5 {
		t.Fatalf("unexpected distribution: %v", est.Distribution)
	}
	if len(est.Distribution) != PercentileCount {
		t.Fatalf("distribution has %d entries", len(est.Distribution))
	}
}

func TestScaleVectorRejectsNonPositiveScale(t *testing.T) {
	for _, scale := range []float64{0, -1} {
		if _, err := ScaleVector(PercentileVector{}, scale); !errors.Is(err, ErrInvalidScale) {
			t.Fatalf("ScaleVector(%v) error = %v, want ErrInvalidScale", scale, err)
		}
	}
}

func TestCoinLabel(t *testing.T) {
	if got := CoinLabel(3); got != "₹10" {
		t.Fatalf("CoinLabel(3) = %q", got)
	}
	if got := CoinLabel(9); got != "unknown" {
		t.Fatalf("CoinLabel(9) = %q", got)
	}
}
