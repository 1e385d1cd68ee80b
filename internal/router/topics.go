package router

import "strconv"

const (
	DirectionRequest  = "req"
	DirectionResponse = "res"
)

func BuildTopic(key string, index uint32, direction, verb string) string {
	return key + "/" + strconv.FormatUint(uint64(index), 10) + "/" + direction + "/" + verb
}

// ResponsePattern subscribes to every response for one key and index.
func ResponsePattern(key string, index uint32) string {
	return key + "/" + strconv.FormatUint(uint64(index), 10) + "/" + DirectionResponse + "/#"
}
