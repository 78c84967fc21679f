package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type Task struct{}

func TestFor(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{"kroute", "tasks.Task", "kroute.tasks.Task"},
		{"", "tasks.Task", "tasks.Task"},
		{"", "github.com/acme/tasks.Task", "github.com.acme.tasks.Task"},
		{"kroute", "billing/v1.Invoice[Draft]", "kroute.billing.v1.Invoice_Draft_"},
		{" kroute. ", " /tasks.Task ", "kroute.tasks.Task"},
		{"a b", "c d", "a_b.c_d"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, For(tt.prefix, tt.name))
		})
	}
}

func TestForIsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, For("p", "tasks.Task"), For("p", "tasks.Task"))
	}
}

func TestForTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := For("kroute", long)

	assert.Len(t, got, MaxLength)
	assert.Equal(t, got, For("kroute", long))
	assert.NotEqual(t, got, For("kroute", long+"y"))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "github.com/edgeflare/kroute/pkg/topic.Task", TypeName[Task]())
	assert.Equal(t, "github.com/edgeflare/kroute/pkg/topic.Task", TypeName[*Task]())
	assert.Equal(t, "string", TypeName[string]())
	assert.Equal(t, "github.com.edgeflare.kroute.pkg.topic.Task", For("", TypeName[Task]()))
}
