package main

import "testing"

func TestParseUsers(t *testing.T) {
	ids, err := parseUsers("1, 2,3")
	if err != nil {
		t.Fatalf("parseUsers() error: %v", err)
	}
	if ids != [3]int64{1, 2, 3} {
		t.Errorf("unexpected ids %v", ids)
	}

	for _, bad := range []string{"1,2", "1,2,3,4", "1,x,3", "0,2,3"} {
		if _, err := parseUsers(bad); err == nil {
			t.Errorf("parseUsers(%q) should fail", bad)
		}
	}
}
