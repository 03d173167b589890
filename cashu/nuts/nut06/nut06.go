// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import (
	"encoding/json"

	"github.com/elnosh/multinuts/cashu/nuts/nut17"
)

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

// custom unmarshal to ignore contact field if on old format
func (mi *MintInfo) UnmarshalJSON(data []byte) error {
	type alias MintInfo
	var tempInfo struct {
		alias
		Contact json.RawMessage `json:"contact,omitempty"`
	}

	if err := json.Unmarshal(data, &tempInfo); err != nil {
		return err
	}

	*mi = MintInfo(tempInfo.alias)
	mi.Contact = nil
	if len(tempInfo.Contact) > 0 {
		var contact []ContactInfo
		if err := json.Unmarshal(tempInfo.Contact, &contact); err == nil {
			mi.Contact = contact
		}
	}

	return nil
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type Nuts struct {
	Nut04 NutSetting         `json:"4"`
	Nut05 NutSetting         `json:"5"`
	Nut07 Supported          `json:"7"`
	Nut08 Supported          `json:"8"`
	Nut09 Supported          `json:"9"`
	Nut15 *NutSetting        `json:"15,omitempty"`
	Nut17 *nut17.InfoSetting `json:"17,omitempty"`
}

// custom unmarshaller because the format to signal support for nut-15 changed.
// It first tries the settings object and falls back to a bare list of methods.
func (nuts *Nuts) UnmarshalJSON(data []byte) error {
	type alias Nuts
	var tempNuts struct {
		alias
		Nut15 json.RawMessage `json:"15,omitempty"`
	}

	if err := json.Unmarshal(data, &tempNuts); err != nil {
		return err
	}

	*nuts = Nuts(tempNuts.alias)
	nuts.Nut15 = nil
	if len(tempNuts.Nut15) == 0 {
		return nil
	}

	var setting NutSetting
	if err := json.Unmarshal(tempNuts.Nut15, &setting); err == nil {
		nuts.Nut15 = &setting
		return nil
	}

	var methods []MethodSetting
	if err := json.Unmarshal(tempNuts.Nut15, &methods); err == nil {
		nuts.Nut15 = &NutSetting{Methods: methods}
	}

	return nil
}

// SupportsMpp reports whether the mint advertises multi-path payments
// for the method and unit.
func (mi MintInfo) SupportsMpp(method, unit string) bool {
	if mi.Nuts.Nut15 == nil || mi.Nuts.Nut15.Disabled {
		return false
	}
	for _, setting := range mi.Nuts.Nut15.Methods {
		if setting.Method == method && setting.Unit == unit {
			return true
		}
	}
	return false
}

// SupportsWebsocket reports whether the mint can push updates for the subscription kind.
func (mi MintInfo) SupportsWebsocket(kind nut17.SubscriptionKind, method, unit string) bool {
	if mi.Nuts.Nut17 == nil {
		return false
	}
	for _, supported := range mi.Nuts.Nut17.Supported {
		if supported.Method != method || supported.Unit != unit {
			continue
		}
		for _, cmd := range supported.Commands {
			if cmd == kind.String() {
				return true
			}
		}
	}
	return false
}
