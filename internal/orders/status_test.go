package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusCanceled, true},
		{StatusPaid, StatusCanceled, true},
		{StatusPaid, StatusPending, false},
		{StatusCanceled, StatusPaid, false},
		{StatusPaid, StatusPaid, false},
		{Status("UNKNOWN"), StatusPaid, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
