package ota

import (
	"bytes"
	"testing"
)

func TestIsNewVersion(t *testing.T) {
	for _, tc := range []struct {
		current, candidate string
		want               bool
	}{
		{"1.1.9", "1.2.0", true},
		{"1.2.0", "1.1.9", false},
		{"1.9.0", "2.0.0", true},
		{"1.2.0", "1.2.0", false},
		{"1.2", "1.2.1", true},
		{"1.2.0", "1.2", false},
		{"0.0.1", "0.1.0", true},
		{"1.10.0", "1.9.0", false},
		// Pre-release suffixes do not parse and are never newer; only the
		// manifest's force flag can install them.
		{"1.2", "1.2.0-rc", false},
		{"1.2.0-rc", "1.2.1", false},
		{"", "1.0.0", false},
		{"1.0.0", "", false},
		{"1.0.0", "v1.1.0", false},
	} {
		if got := IsNewVersion(tc.current, tc.candidate); got != tc.want {
			t.Errorf("IsNewVersion(%q, %q) = %v, want %v", tc.current, tc.candidate, got, tc.want)
		}
	}
}

func TestIsNewVersionMonotonic(t *testing.T) {
	ordered := []string{"0.0.1", "0.1.0", "0.1.1", "1.0.0", "1.0.0.1", "1.2.0", "1.10.0", "2.0.0"}
	for i := range ordered {
		for j := range ordered {
			got := IsNewVersion(ordered[i], ordered[j])
			if want := j > i; got != want {
				t.Errorf("IsNewVersion(%q, %q) = %v, want %v", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestHasNewVersion(t *testing.T) {
	for _, tc := range []struct {
		name string
		m    *FirmwareManifest
		want bool
	}{
		{"nil", nil, false},
		{"newer", &FirmwareManifest{CurrentVersion: "1.0.0", FirmwareVersion: "1.0.1", FirmwareURL: "http://x"}, true},
		{"same", &FirmwareManifest{CurrentVersion: "1.0.0", FirmwareVersion: "1.0.0", FirmwareURL: "http://x"}, false},
		{"forced", &FirmwareManifest{CurrentVersion: "1.0.0", FirmwareVersion: "0.9.0", FirmwareURL: "http://x", ForceInstall: true}, true},
		{"forced rc", &FirmwareManifest{CurrentVersion: "1.2", FirmwareVersion: "1.2.0-rc", FirmwareURL: "http://x", ForceInstall: true}, true},
		{"no url", &FirmwareManifest{CurrentVersion: "1.0.0", FirmwareVersion: "2.0.0", ForceInstall: true}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.HasNewVersion(); got != tc.want {
				t.Errorf("HasNewVersion() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDigest(t *testing.T) {
	buf := bytes.Repeat([]byte("firmware"), 1000)

	for _, m := range []DigestMethod{DigestMD5, DigestSHA256} {
		t.Run(string(m), func(t *testing.T) {
			a := Digest(m, buf)
			if b := Digest(m, buf); a != b {
				t.Fatalf("digest not deterministic: %s vs %s", a, b)
			}
			if a != string(bytes.ToLower([]byte(a))) {
				t.Errorf("digest %s is not lowercase", a)
			}
			// Flipping any single byte changes the digest.
			for _, i := range []int{0, 1, len(buf) / 2, len(buf) - 1} {
				c := append([]byte(nil), buf...)
				c[i] ^= 0x01
				if Digest(m, c) == a {
					t.Errorf("flipping byte %d did not change the digest", i)
				}
			}
		})
	}

	if got := Digest(DigestMD5, nil); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("md5 of empty = %s", got)
	}
}

func TestParseDigestMethod(t *testing.T) {
	for in, want := range map[string]DigestMethod{"": DigestMD5, "MD5": DigestMD5, "sha256": DigestSHA256, "SHA-256": DigestSHA256} {
		if got, err := ParseDigestMethod(in); err != nil || got != want {
			t.Errorf("ParseDigestMethod(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDigestMethod("crc32"); err == nil {
		t.Error("ParseDigestMethod(crc32) succeeded")
	}
}
