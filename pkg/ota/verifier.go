package ota

import (
	"strings"

	"github.com/golang/glog"
)

// ImageVerifier checks a completed download before it may be installed.
type ImageVerifier struct {
	// Method is used when the manifest does not say which digest it carries.
	Method DigestMethod
	// AllowUnverified permits installing an image with no expected digest.
	AllowUnverified bool
	Progress        ProgressFunc
}

// Verify inspects sess.Download and, on OutcomeVerified, sets sess.Image.
// OutcomeSameVersionSkipped is returned when the image carries the running
// version and the manifest does not force the install.
func (v *ImageVerifier) Verify(sess *UpdateSession) (Outcome, error) {
	ds := sess.Download
	if !ds.Complete() {
		var got, total int64
		if ds != nil {
			got, total = ds.BytesReceived, ds.TotalBytes
		}
		return OutcomeNone, &IncompleteTransferError{Received: got, Total: total}
	}

	version, err := ImageVersion(ds.Buffer)
	if err != nil {
		ds.release()
		return OutcomeNone, err
	}
	glog.Infof("New image version: %s", version)

	force := sess.Manifest != nil && sess.Manifest.ForceInstall
	if version == sess.RunningVersion && !force {
		glog.Warningf("Same version %s, skip", version)
		ds.release()
		return OutcomeSameVersionSkipped, nil
	}

	method := v.Method
	var expected string
	if m := sess.Manifest; m != nil {
		expected = strings.ToLower(m.ChecksumExpected)
		if m.ChecksumMethod != "" {
			method = m.ChecksumMethod
		}
	}
	if method == "" {
		method = DigestMD5
	}

	actual := Digest(method, ds.Buffer)
	glog.Infof("Firmware %s: %s expected: %s", method, actual, expected)

	switch {
	case expected == "" && !v.AllowUnverified:
		ds.release()
		return OutcomeNone, &IntegrityError{Method: method, Actual: actual}
	case expected == "":
		glog.Warning("No expected checksum, installing unverified image")
	case actual != expected:
		glog.Errorf("%s mismatch, abort", method)
		ds.release()
		return OutcomeNone, &IntegrityError{Method: method, Expected: expected, Actual: actual}
	}

	sess.Image = &VerifiedImage{Version: version, Digest: actual, Payload: ds.Buffer}
	v.Progress.emit(Progress{Phase: PhaseVerifying, Percent: 100})
	return OutcomeVerified, nil
}
