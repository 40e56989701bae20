// Package testutil provides scripted in-memory doubles for the bridge and
// the event publisher.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentmux/agentmux/pkg/bridge"
)

// FakeBridge is a scripted bridge: prompts are acknowledged with canned
// outputs per instance, and individual commands can be made to fail.
type FakeBridge struct {
	mu sync.Mutex

	nextID    int
	instances map[string]*bridge.Instance
	outputs   map[string]string

	// OnSend, when set, maps a sent prompt to the output that subsequent
	// reads of that instance return. Used to script keyword echoes.
	OnSend func(instanceID, text string) string

	SpawnErr     error
	SendErr      error
	ReadErr      error
	TerminateErr error

	// SpawnFailures makes the next N spawns fail before SpawnErr is consulted.
	SpawnFailures int

	// ReadErrFor fails reads of specific instances only.
	ReadErrFor map[string]error

	SpawnCalls     int
	SendCalls      int
	ReadCalls      int
	TerminateCalls int

	Sent       []string
	Terminated []string
}

func NewFakeBridge() *FakeBridge {
	return &FakeBridge{
		instances: make(map[string]*bridge.Instance),
		outputs:   make(map[string]string),
	}
}

func (f *FakeBridge) Spawn(_ context.Context, params bridge.SpawnParams) (*bridge.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SpawnCalls++

	if f.SpawnFailures > 0 {
		f.SpawnFailures--

		return nil, fmt.Errorf("spawn refused")
	}

	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}

	f.nextID++
	instance := &bridge.Instance{
		ID:        fmt.Sprintf("inst-%d", f.nextID),
		Role:      params.Role,
		Workspace: params.Workspace,
		Status:    "active",
	}
	f.instances[instance.ID] = instance

	return instance, nil
}

func (f *FakeBridge) Send(_ context.Context, instanceID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SendCalls++
	f.Sent = append(f.Sent, text)

	if f.SendErr != nil {
		return f.SendErr
	}

	if f.OnSend != nil {
		if output := f.OnSend(instanceID, text); output != "" {
			f.outputs[instanceID] = output
		}
	}

	return nil
}

func (f *FakeBridge) Read(_ context.Context, instanceID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ReadCalls++

	if f.ReadErr != nil {
		return "", f.ReadErr
	}

	if err, ok := f.ReadErrFor[instanceID]; ok && err != nil {
		return "", err
	}

	return f.outputs[instanceID], nil
}

func (f *FakeBridge) List(_ context.Context) ([]bridge.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	listed := make([]bridge.Instance, 0, len(f.instances))
	for _, instance := range f.instances {
		listed = append(listed, *instance)
	}

	return listed, nil
}

func (f *FakeBridge) Terminate(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.TerminateCalls++
	f.Terminated = append(f.Terminated, instanceID)

	if f.TerminateErr != nil {
		return f.TerminateErr
	}

	delete(f.instances, instanceID)
	delete(f.outputs, instanceID)

	return nil
}

// SetOutput overwrites the canned read output of an instance.
func (f *FakeBridge) SetOutput(instanceID, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outputs[instanceID] = output
}

// Spawned returns the number of spawn calls. Safe under concurrent use.
func (f *FakeBridge) Spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.SpawnCalls
}

// SentMessages returns a copy of every text sent so far.
func (f *FakeBridge) SentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.Sent))
	copy(out, f.Sent)

	return out
}

// TerminatedIDs returns a copy of the terminated instance ids.
func (f *FakeBridge) TerminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.Terminated))
	copy(out, f.Terminated)

	return out
}
