package main

import "testing"

func TestCheckOrder(t *testing.T) {
	tests := []struct {
		name    string
		events  []event
		wantErr bool
	}{
		{
			name:   "well formed",
			events: []event{{Seq: 1, Type: "progress"}, {Seq: 2, Type: "token"}, {Seq: 3, Type: "result"}, {Seq: 4, Type: "complete"}},
		},
		{
			name:    "too short",
			events:  []event{{Seq: 1, Type: "complete"}},
			wantErr: true,
		},
		{
			name:    "starts with token",
			events:  []event{{Seq: 1, Type: "token"}, {Seq: 2, Type: "complete"}},
			wantErr: true,
		},
		{
			name:    "seq goes backwards",
			events:  []event{{Seq: 2, Type: "progress"}, {Seq: 1, Type: "complete"}},
			wantErr: true,
		},
		{
			name:    "event after complete",
			events:  []event{{Seq: 1, Type: "progress"}, {Seq: 2, Type: "complete"}, {Seq: 3, Type: "token"}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkOrder(tc.events)
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkOrder err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
