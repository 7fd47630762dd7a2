package session

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/store"
)

func TestLoginAndSetStatusPublishesOneSnapshot(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	ch, cancel := m.Subscribe("dev")
	defer cancel()

	if _, err := m.LoginAndSetStatus("dev", "u1", true); err != nil {
		t.Fatalf("LoginAndSetStatus: %v", err)
	}

	select {
	case st := <-ch:
		if st.User() != "u1" || !st.HasCompletedOnboarding {
			t.Errorf("snapshot = %+v, want both fields set", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	select {
	case st := <-ch:
		t.Errorf("unexpected second snapshot %+v", st)
	default:
	}

	st, _ := m.Snapshot("dev")
	if st.User() != "u1" || !st.HasCompletedOnboarding {
		t.Errorf("Snapshot = %+v", st)
	}
}

func TestLoginRequiresUserID(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	if _, err := m.LoginAndSetStatus("dev", "", false); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestCompleteOnboardingOncePerCycle(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())

	if _, err := m.CompleteOnboarding("dev"); !errors.Is(err, models.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	m.LoginAndSetStatus("dev", "u1", false)
	changed, err := m.CompleteOnboarding("dev")
	if err != nil || !changed {
		t.Fatalf("first CompleteOnboarding = %v, %v", changed, err)
	}
	changed, err = m.CompleteOnboarding("dev")
	if err != nil || changed {
		t.Fatalf("second CompleteOnboarding = %v, %v", changed, err)
	}

	// Forget-token starts a new cycle.
	m.ForgetToken("dev")
	m.LoginAndSetStatus("dev", "u1", false)
	if changed, _ := m.CompleteOnboarding("dev"); !changed {
		t.Error("expected flag to flip again in a new cycle")
	}
}

func TestLogoutKeepsOnboardingFlag(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	m.LoginAndSetStatus("dev", "u1", true)

	st, err := m.Logout("dev")
	if err != nil {
		t.Fatal(err)
	}
	if st.Authenticated() || !st.HasCompletedOnboarding {
		t.Errorf("after logout = %+v", st)
	}

	st, err = m.ForgetToken("dev")
	if err != nil {
		t.Fatal(err)
	}
	if st.Authenticated() || st.HasCompletedOnboarding {
		t.Errorf("after forget = %+v", st)
	}
}

func TestResultsCache(t *testing.T) {
	s := store.NewInMemoryStore()
	m := NewManager(s)

	empty, err := m.LoadResults("dev")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("LoadResults on empty = %v, %v", empty, err)
	}

	products := []models.RecommendedProduct{{Step: "Limpiar", Name: "X", Ingredients: []string{"a", "b"}}}
	if err := m.SaveResults("dev", products); err != nil {
		t.Fatal(err)
	}
	got, _ := m.LoadResults("dev")
	if !reflect.DeepEqual(got, products) {
		t.Errorf("LoadResults = %+v", got)
	}

	s.UpdateSession("dev", map[string]string{models.SessionKeyResults: "{broken"}, nil)
	got, err = m.LoadResults("dev")
	if err != nil || len(got) != 0 {
		t.Errorf("corrupt cache = %v, %v", got, err)
	}
}

func TestPhone(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	m.SetPhone("dev", "+15550001111")
	if p, _ := m.Phone("dev"); p != "+15550001111" {
		t.Errorf("Phone = %q", p)
	}
	m.SetPhone("dev", "")
	if p, _ := m.Phone("dev"); p != "" {
		t.Errorf("Phone after clear = %q", p)
	}
}

func TestConcurrentWritersNeverTearSnapshot(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.LoginAndSetStatus("dev", "done-user", true)
		}()
		go func() {
			defer wg.Done()
			m.LoginAndSetStatus("dev", "new-user", false)
		}()
	}
	wg.Wait()

	st, _ := m.Snapshot("dev")
	switch {
	case st.User() == "done-user" && st.HasCompletedOnboarding:
	case st.User() == "new-user" && !st.HasCompletedOnboarding:
	default:
		t.Errorf("torn snapshot %+v", st)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	ch, cancel := m.Subscribe("dev")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	// Publishing after cancel must not panic.
	m.LoginAndSetStatus("dev", "u1", false)
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	ch, cancel := m.Subscribe("dev")
	defer cancel()

	m.LoginAndSetStatus("dev", "u1", false)
	m.CompleteOnboarding("dev")

	st := <-ch
	if !st.HasCompletedOnboarding {
		t.Errorf("expected latest snapshot, got %+v", st)
	}
}

func TestLoadReadsPersistedSession(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := NewManager(st).LoginAndSetStatus("dev", "u1", true); err != nil {
		t.Fatalf("LoginAndSetStatus: %v", err)
	}

	// A fresh manager over the same store sees what the previous process wrote.
	loaded, err := NewManager(st).Load("dev")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.User() != "u1" || !loaded.HasCompletedOnboarding {
		t.Errorf("Load = %+v", loaded)
	}

	empty, err := NewManager(st).Load("other")
	if err != nil || empty.Authenticated() {
		t.Errorf("Load of unknown device = %+v, %v", empty, err)
	}
}
