package model

import (
	"errors"
	"testing"
)

func TestCreateItemRequest_Validate(t *testing.T) {
	cases := []struct {
		name    string
		req     CreateItemRequest
		wantErr bool
	}{
		{"ok", CreateItemRequest{Title: "PET flakes", Category: "plastic", Quantity: 100, Price: 50}, false},
		{"blank title", CreateItemRequest{Title: "  ", Category: "plastic", Quantity: 1}, true},
		{"no category", CreateItemRequest{Title: "x", Quantity: 1}, true},
		{"zero quantity", CreateItemRequest{Title: "x", Category: "metal"}, true},
		{"negative price", CreateItemRequest{Title: "x", Category: "metal", Quantity: 1, Price: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.req.Unit != "kg" {
				t.Errorf("Unit default = %q, want kg", tc.req.Unit)
			}
		})
	}
}

func TestItem_UnitPrice(t *testing.T) {
	it := Item{Quantity: 4, Price: 10}
	if got := it.UnitPrice(); got != 2.5 {
		t.Errorf("UnitPrice() = %v, want 2.5", got)
	}
}

func TestContractStatus_Before(t *testing.T) {
	if !ContractStatusPending.Before(ContractStatusDelivered) {
		t.Error("pending should come before delivered")
	}
	if ContractStatusCompleted.Before(ContractStatusCollected) {
		t.Error("completed should not come before collected")
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleWasteWorker.Valid() {
		t.Error("waste_worker should be valid")
	}
	if Role("auditor").Valid() {
		t.Error("auditor should not be valid")
	}
}
