package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeScript creates an executable shell script acting as the bridge
// subprocess.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "bridge.sh")
	script := "#!/bin/sh\n" + body + "\n"

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	return path
}

func TestNewClientRequiresCommand(t *testing.T) {
	_, err := NewClient(nil, testLogger())
	assert.Error(t, err)

	_, err = NewClient([]string{""}, testLogger())
	assert.Error(t, err)
}

func TestExtractResponseScansFromEnd(t *testing.T) {
	output := []byte(`starting up...
{"success": false, "error": "stale line"}
some noise
{"success": true, "instanceId": "inst-7"}`)

	resp, ok := extractResponse(output)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "inst-7", resp.InstanceID)
}

func TestExtractResponseNoJSON(t *testing.T) {
	_, ok := extractResponse([]byte("nothing here\njust logs"))
	assert.False(t, ok)
}

func TestSpawnParsesNoisyOutput(t *testing.T) {
	script := writeScript(t, `echo "booting agent..."
echo '{"success": true, "instanceId": "inst-42"}'`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	instance, err := client.Spawn(context.Background(), SpawnParams{Role: "manager"})
	require.NoError(t, err)
	assert.Equal(t, "inst-42", instance.ID)
	assert.Equal(t, "manager", instance.Role)
}

func TestSpawnMissingInstanceID(t *testing.T) {
	script := writeScript(t, `echo '{"success": true}'`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	_, err = client.Spawn(context.Background(), SpawnParams{})
	require.Error(t, err)

	var bridgeErr *Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, CommandSpawn, bridgeErr.Command)
}

func TestCallReceivesCommandAndParams(t *testing.T) {
	// The script records its arguments to a file for inspection.
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `echo "$@" > `+argsFile+`
echo '{"success": true, "output": "captured"}'`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	output, err := client.Read(context.Background(), "inst-1", 50)
	require.NoError(t, err)
	assert.Equal(t, "captured", output)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "read")
	assert.Contains(t, string(recorded), `"instanceId":"inst-1"`)
	assert.Contains(t, string(recorded), `"lines":50`)
}

func TestSuccessFalseBecomesError(t *testing.T) {
	script := writeScript(t, `echo '{"success": false, "error": "no such instance"}'`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	err = client.Send(context.Background(), "inst-x", "hello")
	require.Error(t, err)

	var bridgeErr *Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, "no such instance", bridgeErr.Message)
}

func TestNonZeroExitWithJSONError(t *testing.T) {
	script := writeScript(t, `echo '{"success": false, "error": "crashed"}'
exit 3`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	err = client.Terminate(context.Background(), "inst-x")
	require.Error(t, err)

	var bridgeErr *Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, "crashed", bridgeErr.Message)
	assert.Error(t, bridgeErr.Err)
}

func TestNonZeroExitWithoutJSON(t *testing.T) {
	script := writeScript(t, `echo "panic: something broke" >&2
exit 1`)

	client, err := NewClient([]string{script}, testLogger())
	require.NoError(t, err)

	_, err = client.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "something broke")
}

func TestExtraArgvPassedThrough(t *testing.T) {
	// Configured argv flags come before the command name.
	script := writeScript(t, `printf '{"success": true, "output": "%s %s"}\n' "$1" "$2"`)

	client, err := NewClient([]string{script, "--socket"}, testLogger())
	require.NoError(t, err)

	output, err := client.Read(context.Background(), "inst-1", 10)
	require.NoError(t, err)
	assert.Contains(t, output, "--socket read")
}
