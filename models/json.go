package models

import "encoding/json"

func jsonUnmarshal(raw []byte, dest any) error {
	return json.Unmarshal(raw, dest)
}

func EncodeRecurrence(r Recurrence) []byte {
	b, _ := json.Marshal(r)
	return b
}
