package auth

import (
	"context"
	"net/http"
	"reflect"
	"testing"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
	"github.com/BTreeMap/Dermis/internal/store"
	"github.com/BTreeMap/Dermis/internal/testutil"
)

type recordingCanceller struct{ devices []string }

func (r *recordingCanceller) Cancel(_ context.Context, deviceID string) error {
	r.devices = append(r.devices, deviceID)
	return nil
}

type recordingForgetter struct{ devices []string }

func (r *recordingForgetter) Forget(deviceID string) {
	r.devices = append(r.devices, deviceID)
}

func newService(t *testing.T) (*Service, *testutil.FakeUpstream, *session.Manager, *recordingCanceller, *recordingForgetter) {
	t.Helper()
	up := testutil.NewFakeUpstream()
	t.Cleanup(up.Close)
	client := skinapi.NewClient(skinapi.WithUsersBaseURL(up.URL()), skinapi.WithRoutinesBaseURL(up.URL()))
	sessions := session.NewManager(store.NewInMemoryStore())
	flows := &recordingCanceller{}
	forget := &recordingForgetter{}
	return NewService(client, sessions, WithFlowCanceller(flows), WithDeviceForgetter(forget)), up, sessions, flows, forget
}

func TestLoginDetectsOnboarding(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		completed bool
	}{
		{"routine exists", http.StatusOK, true},
		{"no routine", http.StatusNotFound, false},
		{"routine lookup fails", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, up, _, _, _ := newService(t)
			up.Set(http.MethodGet, testutil.PathRoutines, tt.status, `{"routine_id":"r1","products":[]}`)
			st, err := svc.Login(context.Background(), "dev", "ana@example.com", "pw")
			if err != nil {
				t.Fatalf("Login: %v", err)
			}
			if st.User() != "u1" || st.HasCompletedOnboarding != tt.completed {
				t.Errorf("state = %+v, want completed=%v", st, tt.completed)
			}
			if got := up.Requests(http.MethodGet, testutil.PathRoutines)[0].Query; got != "user_id=u1" {
				t.Errorf("routine query = %q", got)
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		email  string
		status int
		kind   models.ErrorKind
	}{
		{"missing fields", "", http.StatusOK, models.ErrorKindInvalidInput},
		{"bad credentials", "ana@example.com", http.StatusUnauthorized, models.ErrorKindUnauthorized},
		{"upstream down", "ana@example.com", http.StatusBadGateway, models.ErrorKindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, up, sessions, _, _ := newService(t)
			up.Set(http.MethodPost, testutil.PathLogin, tt.status, `{"detail":"no"}`)
			_, err := svc.Login(context.Background(), "dev", tt.email, "pw")
			if got := models.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.kind, err)
			}
			if st, _ := sessions.Snapshot("dev"); st.Authenticated() {
				t.Error("device authenticated after failed login")
			}
		})
	}
}

func TestRegisterStartsOnboarding(t *testing.T) {
	svc, up, sessions, _, _ := newService(t)
	st, err := svc.Register(context.Background(), "dev", RegisterInput{
		Name: "Ana", Email: "ana@example.com", Age: 30, NickName: "ana", Password: "pw", Phone: "+15550001",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.User() != "u1" || st.HasCompletedOnboarding {
		t.Errorf("state = %+v", st)
	}
	if phone, _ := sessions.Phone("dev"); phone != "+15550001" {
		t.Errorf("phone = %q", phone)
	}
	var body map[string]interface{}
	testutil.MustUnmarshalJSON(t, up.Requests(http.MethodPost, testutil.PathUsers)[0].Body, &body)
	if body["nick_name"] != "ana" || body["age"] != float64(30) {
		t.Errorf("register body = %v", body)
	}
	if _, ok := body["phone"]; ok {
		t.Error("phone forwarded to the user record")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, up, _, _, _ := newService(t)
	_, err := svc.Register(context.Background(), "dev", RegisterInput{Name: "Ana", Email: "not-an-email", Age: 30, Password: "pw"})
	if models.KindOf(err) != models.ErrorKindInvalidInput {
		t.Errorf("err = %v", err)
	}
	if up.Count(http.MethodPost, testutil.PathUsers) != 0 {
		t.Error("invalid input reached upstream")
	}
}

func TestLogoutAndForgetToken(t *testing.T) {
	svc, _, sessions, flows, forget := newService(t)
	ctx := context.Background()
	if _, err := sessions.LoginAndSetStatus("dev", "u1", true); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Logout(ctx, "dev")
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st.Authenticated() || !st.HasCompletedOnboarding {
		t.Errorf("after logout = %+v, want flag kept", st)
	}

	if _, err := sessions.LoginAndSetStatus("dev", "u1", true); err != nil {
		t.Fatal(err)
	}
	st, err = svc.ForgetToken(ctx, "dev")
	if err != nil {
		t.Fatalf("ForgetToken: %v", err)
	}
	if st.Authenticated() || st.HasCompletedOnboarding {
		t.Errorf("after forget = %+v", st)
	}
	if !reflect.DeepEqual(flows.devices, []string{"dev", "dev"}) {
		t.Errorf("flow cancels = %v", flows.devices)
	}
	if !reflect.DeepEqual(forget.devices, []string{"dev"}) {
		t.Errorf("forgets = %v", forget.devices)
	}
}

func TestProfile(t *testing.T) {
	svc, _, sessions, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Profile(ctx, "dev"); models.KindOf(err) != models.ErrorKindUnauthorized {
		t.Errorf("anonymous profile err = %v", err)
	}
	if _, err := sessions.LoginAndSetStatus("dev", "u1", false); err != nil {
		t.Fatal(err)
	}
	p, err := svc.Profile(ctx, "dev")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Name != "Ana" || !reflect.DeepEqual(p.SkinConditions, []string{"acne"}) {
		t.Errorf("profile = %+v", p)
	}
}
