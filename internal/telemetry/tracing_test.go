package telemetry

import (
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(true, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "reconcile")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"reconcile"`)
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(false, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
