package transform

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

var bufferEpoch = time.Unix(1000, 0)

func stampedPose(x float64) Pose {
	return NewPose(1, 0, 0, 0, r3.Vector{X: x})
}

func TestBufferLookupEmpty(t *testing.T) {
	b := NewBuffer(4)
	_, ok := b.Lookup(bufferEpoch, time.Second)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBufferLookupNearest(t *testing.T) {
	b := NewBuffer(4)
	b.Add(stampedPose(1), bufferEpoch)
	b.Add(stampedPose(2), bufferEpoch.Add(100*time.Millisecond))

	pose, ok := b.Lookup(bufferEpoch.Add(60*time.Millisecond), 50*time.Millisecond)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.T.X, test.ShouldEqual, 2.0)

	pose, ok = b.Lookup(bufferEpoch.Add(30*time.Millisecond), 50*time.Millisecond)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.T.X, test.ShouldEqual, 1.0)
}

func TestBufferLookupTolerance(t *testing.T) {
	b := NewBuffer(4)
	b.Add(stampedPose(1), bufferEpoch)

	// An offset of exactly the tolerance still resolves.
	_, ok := b.Lookup(bufferEpoch.Add(50*time.Millisecond), 50*time.Millisecond)
	test.That(t, ok, test.ShouldBeTrue)

	// One nanosecond past it does not.
	_, ok = b.Lookup(bufferEpoch.Add(50*time.Millisecond+time.Nanosecond), 50*time.Millisecond)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestBufferEviction(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 4; i++ {
		b.Add(stampedPose(float64(i)), bufferEpoch.Add(time.Duration(i)*time.Second))
	}
	test.That(t, b.Len(), test.ShouldEqual, 3)

	// The first pose is gone; an exact-stamp lookup for it now misses.
	_, ok := b.Lookup(bufferEpoch, 0)
	test.That(t, ok, test.ShouldBeFalse)

	pose, ok := b.Lookup(bufferEpoch.Add(time.Second), 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.T.X, test.ShouldEqual, 1.0)
}

func TestBufferLookupDoesNotConsume(t *testing.T) {
	b := NewBuffer(4)
	b.Add(stampedPose(7), bufferEpoch)
	for i := 0; i < 3; i++ {
		pose, ok := b.Lookup(bufferEpoch, time.Millisecond)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pose.T.X, test.ShouldEqual, 7.0)
	}
	test.That(t, b.Len(), test.ShouldEqual, 1)
}
