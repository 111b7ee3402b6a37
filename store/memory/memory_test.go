package memory_test

import (
	"testing"

	"github.com/warp/mentor-booking/engine"
	"github.com/warp/mentor-booking/store/memory"
	"github.com/warp/mentor-booking/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store { return memory.New() })
}
