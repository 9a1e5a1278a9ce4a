package app

import (
	"reflect"

	"github.com/gitzhang10/seqbft/consensus"
	"github.com/gitzhang10/seqbft/stream"
)

const (
	VoteTag uint8 = iota
	ChunkTag
)

var vote consensus.Vote
var chunk stream.Chunk

// ReflectedTypesMap is handed to the transport to decode incoming messages.
var ReflectedTypesMap = map[uint8]reflect.Type{
	VoteTag:  reflect.TypeOf(vote),
	ChunkTag: reflect.TypeOf(chunk),
}
