package fingerprint

import "testing"

func TestSourceOfIsDeterministic(t *testing.T) {
	a := SourceOf([]byte("select 1"))
	b := SourceOf([]byte("select 1"))
	if a != b {
		t.Fatalf("expected equal digests, got %s != %s", a, b)
	}
	c := SourceOf([]byte("select 2"))
	if a == c {
		t.Fatalf("expected different digests for different input")
	}
}

func TestNodeOrderIndependentOfInputOrder(t *testing.T) {
	src := SourceOf([]byte("select 1"))
	upstream := []Digest{"aaa", "bbb"}
	inputs := []NodeInput{{Name: "Region", Value: "north"}, {Name: "DayWindow", Value: "2"}}

	d1 := Node("dep", src, "base", "rolling_latency", upstream, inputs)

	reversedUpstream := []Digest{"bbb", "aaa"}
	reversedInputs := []NodeInput{{Name: "DayWindow", Value: "2"}, {Name: "Region", Value: "north"}}
	d2 := Node("dep", src, "base", "rolling_latency", reversedUpstream, reversedInputs)

	if d1 != d2 {
		t.Fatalf("expected order-independent digest, got %s != %s", d1, d2)
	}
}

func TestNodeDistinguishesAbsentFromEmptyString(t *testing.T) {
	src := SourceOf([]byte("select 1"))
	withAbsent := Node("dep", src, "base", "r", nil, []NodeInput{{Name: "X", Abs: true}})
	withEmpty := Node("dep", src, "base", "r", nil, []NodeInput{{Name: "X", Value: ""}})
	if withAbsent == withEmpty {
		t.Fatalf("expected absent value to differ from empty string value")
	}
}

func TestNodeDistinguishesDeploymentID(t *testing.T) {
	src := SourceOf([]byte("select 1"))
	d1 := Node("dep-a", src, "base", "r", nil, nil)
	d2 := Node("dep-b", src, "base", "r", nil, nil)
	if d1 == d2 {
		t.Fatalf("expected different deployment ids to salt the digest differently")
	}
}

func TestNodeDistinguishesKindAndName(t *testing.T) {
	src := SourceOf([]byte("select 1"))
	d1 := Node("dep", src, "base", "r", nil, nil)
	d2 := Node("dep", src, "materialize", "r", nil, nil)
	if d1 == d2 {
		t.Fatalf("expected node kind to affect digest")
	}

	d3 := Node("dep", src, "base", "r1", nil, nil)
	d4 := Node("dep", src, "base", "r2", nil, nil)
	if d3 == d4 {
		t.Fatalf("expected node name to affect digest")
	}
}

func TestNoConcatenationCollision(t *testing.T) {
	a := Node("dep", SourceOf([]byte("x")), "base", "r", nil, []NodeInput{{Name: "ab", Value: "c"}})
	b := Node("dep", SourceOf([]byte("x")), "base", "r", nil, []NodeInput{{Name: "a", Value: "bc"}})
	if a == b {
		t.Fatalf("length-prefixing should prevent concatenation collisions")
	}
}
