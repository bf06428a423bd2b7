package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeOfPlainErrorIsFatal(t *testing.T) {
	assert.Equal(t, exitFatal, exitCodeOf(errors.New("boom")))
}

func TestExitCodeOfConfigErrorIsConfig(t *testing.T) {
	assert.Equal(t, exitConfig, exitCodeOf(configErr(errors.New("bad config"))))
}

func TestExitCodeOfBindErrorIsBindFailed(t *testing.T) {
	assert.Equal(t, exitBindFailed, exitCodeOf(bindErr(errors.New("port in use"))))
}

func TestExitCodeOfWrappedCLIErrorUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("server: %w", configErr(errors.New("bad config")))
	assert.Equal(t, exitConfig, exitCodeOf(wrapped))
}

func TestExitCodeOfWrappedPlainErrorIsFatal(t *testing.T) {
	wrapped := fmt.Errorf("server: %w", errors.New("boom"))
	assert.Equal(t, exitFatal, exitCodeOf(wrapped))
}
