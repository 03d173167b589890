package nut06

import (
	"encoding/json"
	"testing"

	"github.com/elnosh/multinuts/cashu/nuts/nut17"
)

func TestMintInfoNut15Formats(t *testing.T) {
	tests := []struct {
		info        string
		expectedMpp bool
	}{
		{
			info:        `{"name":"mint","nuts":{"15":{"methods":[{"method":"bolt11","unit":"sat"}]}}}`,
			expectedMpp: true,
		},
		{
			info:        `{"name":"mint","nuts":{"15":[{"method":"bolt11","unit":"sat"}]}}`,
			expectedMpp: true,
		},
		{
			info:        `{"name":"mint","nuts":{"15":{"methods":[{"method":"bolt11","unit":"usd"}]}}}`,
			expectedMpp: false,
		},
		{
			info:        `{"name":"mint","nuts":{"4":{"methods":[],"disabled":false}}}`,
			expectedMpp: false,
		},
	}

	for _, test := range tests {
		var info MintInfo
		if err := json.Unmarshal([]byte(test.info), &info); err != nil {
			t.Fatalf("unexpected error unmarshaling info: %v", err)
		}
		if info.Name != "mint" {
			t.Fatalf("expected name 'mint' but got '%v'", info.Name)
		}

		mpp := info.SupportsMpp("bolt11", "sat")
		if mpp != test.expectedMpp {
			t.Fatalf("expected '%v' but got '%v' for info %v", test.expectedMpp, mpp, test.info)
		}
	}
}

func TestMintInfoOldContactFormat(t *testing.T) {
	data := `{"name":"mint","contact":[["email","mint@example.com"]],"nuts":{}}`

	var info MintInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		t.Fatalf("unexpected error unmarshaling info: %v", err)
	}
	if len(info.Contact) != 0 {
		t.Fatalf("expected old contact format to be ignored but got '%v'", info.Contact)
	}
}

func TestSupportsWebsocket(t *testing.T) {
	info := MintInfo{
		Nuts: Nuts{
			Nut17: &nut17.InfoSetting{
				Supported: []nut17.SupportedMethod{
					{Method: "bolt11", Unit: "sat", Commands: []string{"bolt11_melt_quote"}},
				},
			},
		},
	}

	if !info.SupportsWebsocket(nut17.Bolt11MeltQuote, "bolt11", "sat") {
		t.Fatal("expected websocket support for melt quotes")
	}
	if info.SupportsWebsocket(nut17.ProofState, "bolt11", "sat") {
		t.Fatal("expected no websocket support for proof state")
	}
}
