package wire

import (
	"encoding/base64"
	"reflect"
)

// base64StringToBytesHook lets mapstructure populate []byte fields from the
// base64 strings produced by encoding/json's default []byte marshaling
// (spec §6: "byte strings base64").
func base64StringToBytesHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]byte(nil)) {
		return data, nil
	}
	s, _ := data.(string)
	if s == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
