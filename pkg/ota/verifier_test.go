package ota

import (
	"errors"
	"strings"
	"testing"

	"github.com/iot-go-sdk/fwupdate/pkg/ota/otatest"
)

func downloadedSession(running string, img []byte, m *FirmwareManifest) *UpdateSession {
	sess := NewUpdateSession(running)
	sess.Manifest = m
	sess.Download = &DownloadSession{
		TotalBytes:    int64(len(img)),
		BytesReceived: int64(len(img)),
		Buffer:        img,
	}
	return sess
}

func TestImageVersion(t *testing.T) {
	img := otatest.Image("2.1.0", 256)
	v, err := ImageVersion(img)
	if err != nil || v != "2.1.0" {
		t.Fatalf("ImageVersion() = %q, %v", v, err)
	}

	for name, mutate := range map[string]func([]byte) []byte{
		"short":         func(b []byte) []byte { return b[:60] },
		"image magic":   func(b []byte) []byte { b[0] = 0x00; return b },
		"descriptor":    func(b []byte) []byte { b[AppDescOffset] ^= 0xff; return b },
		"empty version": func(b []byte) []byte { b[AppDescOffset+16] = 0; return b },
	} {
		t.Run(name, func(t *testing.T) {
			b := append([]byte(nil), img...)
			_, err := ImageVersion(mutate(b))
			var pe *VersionParseError
			if !errors.As(err, &pe) {
				t.Errorf("ImageVersion() = %v, want VersionParseError", err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	img := otatest.Image("1.1.0", 4096)
	sum := otatest.MD5(img)

	for _, tc := range []struct {
		name     string
		running  string
		manifest *FirmwareManifest
		verifier ImageVerifier
		img      []byte
		want     Outcome
		wantErr  any
	}{
		{
			name:     "md5 match",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: sum, ChecksumMethod: DigestMD5},
			want:     OutcomeVerified,
		},
		{
			name:     "uppercase digest",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: strings.ToUpper(sum)},
			want:     OutcomeVerified,
		},
		{
			name:     "sha256",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: Digest(DigestSHA256, img), ChecksumMethod: DigestSHA256},
			want:     OutcomeVerified,
		},
		{
			name:     "verifier default method",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: Digest(DigestSHA256, img)},
			verifier: ImageVerifier{Method: DigestSHA256},
			want:     OutcomeVerified,
		},
		{
			name:     "mismatch",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: strings.Repeat("0", 32)},
			wantErr:  new(*IntegrityError),
		},
		{
			name:     "missing digest",
			running:  "1.0.0",
			manifest: &FirmwareManifest{},
			wantErr:  new(*IntegrityError),
		},
		{
			name:     "missing digest allowed",
			running:  "1.0.0",
			manifest: &FirmwareManifest{},
			verifier: ImageVerifier{AllowUnverified: true},
			want:     OutcomeVerified,
		},
		{
			name:     "same version",
			running:  "1.1.0",
			manifest: &FirmwareManifest{ChecksumExpected: sum},
			want:     OutcomeSameVersionSkipped,
		},
		{
			name:     "same version forced",
			running:  "1.1.0",
			manifest: &FirmwareManifest{ChecksumExpected: sum, ForceInstall: true},
			want:     OutcomeVerified,
		},
		{
			name:     "not an image",
			running:  "1.0.0",
			manifest: &FirmwareManifest{ChecksumExpected: sum},
			img:      []byte(strings.Repeat("x", 128)),
			wantErr:  new(*VersionParseError),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.img
			if b == nil {
				b = append([]byte(nil), img...)
			}
			var events []Progress
			v := tc.verifier
			v.Progress = func(p Progress) { events = append(events, p) }
			sess := downloadedSession(tc.running, b, tc.manifest)

			got, err := v.Verify(sess)
			if tc.wantErr != nil {
				if !errors.As(err, tc.wantErr) {
					t.Fatalf("Verify() = %v, want %T", err, tc.wantErr)
				}
				if sess.Download.Buffer != nil {
					t.Error("buffer not released after failure")
				}
				if sess.Image != nil || len(events) != 0 {
					t.Error("failed verification produced an image or progress")
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() = %v", err)
			}
			if got != tc.want {
				t.Fatalf("Verify() = %v, want %v", got, tc.want)
			}
			switch got {
			case OutcomeVerified:
				if sess.Image == nil || sess.Image.Version != "1.1.0" || len(sess.Image.Payload) != len(b) {
					t.Errorf("image = %+v", sess.Image)
				}
				if len(events) != 1 || events[0] != (Progress{Phase: PhaseVerifying, Percent: 100}) {
					t.Errorf("progress = %+v", events)
				}
			case OutcomeSameVersionSkipped:
				if sess.Image != nil || sess.Download.Buffer != nil {
					t.Error("skipped image kept in memory")
				}
			}
		})
	}
}

func TestVerifyMismatchReportsDigests(t *testing.T) {
	img := otatest.Image("1.1.0", 512)
	sess := downloadedSession("1.0.0", img, &FirmwareManifest{ChecksumExpected: "ABC"})
	_, err := (&ImageVerifier{}).Verify(sess)

	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("Verify() = %v", err)
	}
	if ie.Method != DigestMD5 || ie.Expected != "abc" || ie.Actual != otatest.MD5(img) {
		t.Errorf("IntegrityError = %+v", ie)
	}
}

func TestVerifyIncomplete(t *testing.T) {
	sess := NewUpdateSession("1.0.0")
	if _, err := (&ImageVerifier{}).Verify(sess); !errors.As(err, new(*IncompleteTransferError)) {
		t.Errorf("Verify() without download = %v", err)
	}

	sess.Download = &DownloadSession{TotalBytes: 100, BytesReceived: 99, Buffer: make([]byte, 100)}
	var ie *IncompleteTransferError
	if _, err := (&ImageVerifier{}).Verify(sess); !errors.As(err, &ie) || ie.Received != 99 {
		t.Errorf("Verify() on partial download = %v", err)
	}
}
