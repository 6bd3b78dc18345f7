package main

import "testing"

func TestNewSecondaryID_Unique(t *testing.T) {
	a := newSecondaryID()
	b := newSecondaryID()
	if a == b {
		t.Fatal("expected distinct IDs")
	}
	if len(a) == 0 {
		t.Fatal("expected a non-empty ID")
	}
}

func TestStoreFor_PathsByService(t *testing.T) {
	configDir = t.TempDir()
	s := storeFor("claude")
	if s == nil {
		t.Fatal("expected a non-nil store")
	}
}
