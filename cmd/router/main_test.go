package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sage-x-project/llm-router/streamer"
)

func TestInferenceTransportMapping(t *testing.T) {
	assert.Equal(t, streamer.TransportHTTPS, inferenceTransport("https"))
	assert.Equal(t, streamer.TransportHTTP, inferenceTransport("http"))
	assert.Equal(t, streamer.TransportUnix, inferenceTransport("socket"))
	assert.Equal(t, streamer.TransportUnix, inferenceTransport("anything-else"))
}
