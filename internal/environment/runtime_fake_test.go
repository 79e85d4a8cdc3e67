package environment_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cyberlearn/labmanager/internal/environment"
)

// fakeRuntime keeps containers in memory. Stop and Remove on a missing
// container succeed, like the Docker client.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*environment.Instance
	specs      []environment.InstanceSpec
	seq        int

	createErr  error
	inspectErr error
	// omitPorts makes CreateAndStart return no host ports.
	omitPorts bool
	// removeErr fails Remove for the given handle.
	removeErr map[string]error

	stopCalls   []string
	removeCalls []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*environment.Instance),
		removeErr:  make(map[string]error),
	}
}

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec environment.InstanceSpec) (*environment.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	inst := &environment.Instance{
		ID:      fmt.Sprintf("ctr-%03d", f.seq),
		Name:    spec.Name,
		Running: true,
		Ports:   make(map[string]string),
		Labels:  spec.Labels,
	}
	for i, p := range spec.Ports {
		inst.Ports[p] = strconv.Itoa(32768 + f.seq*10 + i)
	}
	f.containers[inst.ID] = inst

	out := *inst
	if f.omitPorts {
		out.Ports = nil
	}
	return &out, nil
}

func (f *fakeRuntime) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, handle)
	if inst := f.find(handle); inst != nil {
		inst.Running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, handle)
	if err := f.removeErr[handle]; err != nil {
		return err
	}
	if inst := f.find(handle); inst != nil {
		delete(f.containers, inst.ID)
	}
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, handle string) (*environment.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	inst := f.find(handle)
	if inst == nil {
		return nil, fmt.Errorf("no such container: %s", handle)
	}
	out := *inst
	return &out, nil
}

func (f *fakeRuntime) find(handle string) *environment.Instance {
	if inst, ok := f.containers[handle]; ok {
		return inst
	}
	for _, inst := range f.containers {
		if inst.Name == handle {
			return inst
		}
	}
	return nil
}

func (f *fakeRuntime) running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) failRemove(handle string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.removeErr, handle)
		return
	}
	f.removeErr[handle] = err
}

func (f *fakeRuntime) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeRuntime) lastSpec() environment.InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}
