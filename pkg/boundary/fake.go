package boundary

import (
	"context"
	"fmt"
	"sync"
)

// FakeSubjects is an in-memory SubjectResolver.
type FakeSubjects struct {
	mu       sync.RWMutex
	Subjects map[string]*SubjectInfo // key: kind + "/" + id
	Fail     bool
}

func NewFakeSubjects() *FakeSubjects {
	return &FakeSubjects{Subjects: make(map[string]*SubjectInfo)}
}

// Put registers a subject under (kind, id).
func (f *FakeSubjects) Put(kind, id string, info *SubjectInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subjects[kind+"/"+id] = info
}

func (f *FakeSubjects) Resolve(_ context.Context, kind, id string) (*SubjectInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.Fail {
		return nil, fmt.Errorf("subject lookup %s/%s: %w", kind, id, ErrUnavailable)
	}
	info, ok := f.Subjects[kind+"/"+id]
	if !ok {
		return nil, fmt.Errorf("subject %s/%s: %w", kind, id, ErrNotFound)
	}
	return info, nil
}

// FakeSchedules is an in-memory ScheduleResolver.
type FakeSchedules struct {
	mu        sync.RWMutex
	Schedules map[string]*SchedulePeriods
	Fail      bool
}

func NewFakeSchedules() *FakeSchedules {
	return &FakeSchedules{Schedules: make(map[string]*SchedulePeriods)}
}

func (f *FakeSchedules) Put(id string, p *SchedulePeriods) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Schedules[id] = p
}

func (f *FakeSchedules) Lookup(_ context.Context, scheduleID string) (*SchedulePeriods, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.Fail {
		return nil, fmt.Errorf("schedule lookup %s: %w", scheduleID, ErrUnavailable)
	}
	p, ok := f.Schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return p, nil
}

// FakeUsers is an in-memory UserDirectory.
type FakeUsers struct {
	mu    sync.RWMutex
	Users map[string]*UserInfo
}

func NewFakeUsers() *FakeUsers {
	return &FakeUsers{Users: make(map[string]*UserInfo)}
}

func (f *FakeUsers) Put(id string, u *UserInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[id] = u
}

func (f *FakeUsers) Lookup(_ context.Context, userID string) (*UserInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u, nil
}

// FakeNotifier records dispatched notifications.
type FakeNotifier struct {
	mu         sync.Mutex
	Dispatched []Notification
	Fail       bool
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (f *FakeNotifier) Dispatch(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return fmt.Errorf("notification dispatch: %w", ErrUnavailable)
	}
	f.Dispatched = append(f.Dispatched, n)
	return nil
}

// Count returns the number of dispatched notifications.
func (f *FakeNotifier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Dispatched)
}
