package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type team struct {
	Name     string
	Location string
	Players  []string
	Scores   map[string]int
}

func TestCodecs(t *testing.T) {
	in := team{
		Name:     "Seahawks",
		Location: "Seattle",
		Players:  []string{"a", "b"},
		Scores:   map[string]int{"2023": 9},
	}

	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			c, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out team
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := New("xml")
	assert.Error(t, err)
}

func TestCorruptInput(t *testing.T) {
	for _, name := range Names {
		c, _ := New(name)
		var out team
		assert.Error(t, c.Unmarshal([]byte{0xc1, 0x00, 0xff}, &out), name)
	}
}
