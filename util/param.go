package util

// Param is a single UI/telemetry value pushed out of the control loop,
// mirroring the teacher's util.Param{Key, Val} channel payload.
type Param struct {
	Key string
	Val interface{}
}
