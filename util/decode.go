package util

import "github.com/mitchellh/mapstructure"

// DecodeOther decodes a loosely typed config sub-object (as produced by
// JSON/YAML unmarshalling into map[string]interface{}) into a typed struct,
// the same helper shape as the teacher's util.DecodeOther.
func DecodeOther(other map[string]interface{}, out interface{}) error {
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		Squash:           true,
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	return decoder.Decode(other)
}
