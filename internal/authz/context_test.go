package authz

import (
	"context"
	"errors"
	"sync"
	"testing"

	"valtimo-authz/internal/metadata"
)

func TestRunWithoutAuthorization_Scoping(t *testing.T) {
	f := newFixture(t)
	ctx := WithUser(context.Background(), userWith("u1", "ROLE_NONE"))
	d1 := f.get(t, "document", "D1")
	check := func(ctx context.Context) bool {
		return f.svc.HasPermission(ctx, EntityRequest{ResourceType: "document", Action: ActionView, Entities: []Entity{d1}})
	}

	if check(ctx) {
		t.Fatal("denied outside the block")
	}
	err := RunWithoutAuthorization(ctx, func(inner context.Context) error {
		if !check(inner) {
			t.Fatal("granted inside the block")
		}
		if ids := f.filterIDs(t, inner, "document", ActionView, nil); len(ids) != 3 {
			t.Fatalf("filter is unrestricted inside the block, got %v", ids)
		}
		_ = RunWithoutAuthorization(inner, func(nested context.Context) error {
			if !check(nested) {
				t.Fatal("granted in a nested block")
			}
			return nil
		})
		if !check(inner) {
			t.Fatal("still granted after leaving the nested block")
		}
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected the block's error, got %v", err)
	}
	if check(ctx) {
		t.Fatal("denied again after an error exit")
	}

	func() {
		defer func() { _ = recover() }()
		_ = RunWithoutAuthorization(ctx, func(context.Context) error { panic("boom") })
	}()
	if check(ctx) {
		t.Fatal("denied again after a panic exit")
	}
	if ids := f.filterIDs(t, ctx, "document", ActionView, nil); len(ids) != 0 {
		t.Fatalf("filter restricted again, got %v", ids)
	}
}

func TestRunWithoutAuthorization_ConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	d1 := f.get(t, "document", "D1")
	ctx := WithUser(context.Background(), userWith("u1", "ROLE_NONE"))

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = RunWithoutAuthorization(ctx, func(inner context.Context) error {
				if !f.svc.HasPermission(inner, EntityRequest{ResourceType: "document", Action: ActionView, Entities: []Entity{d1}}) {
					errs <- "bypassed request denied"
				}
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			if f.svc.HasPermission(ctx, EntityRequest{ResourceType: "document", Action: ActionView, Entities: []Entity{d1}}) {
				errs <- "plain request granted"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}

func TestRunWithUser(t *testing.T) {
	if UserFromContext(context.Background()) != nil {
		t.Fatal("no user by default")
	}
	outer := WithUser(context.Background(), alice)
	bob := &metadata.UserContext{ID: "bob"}
	_ = RunWithUser(outer, bob, func(ctx context.Context) error {
		if UserFromContext(ctx).ID != "bob" {
			t.Fatal("delegated user inside the block")
		}
		return nil
	})
	if UserFromContext(outer).ID != "alice" {
		t.Fatal("caller unchanged after the block")
	}

	v, err := RunWithoutAuthorizationValue(outer, func(ctx context.Context) (bool, error) {
		return IsBypassed(ctx), nil
	})
	if err != nil || !v {
		t.Fatalf("expected bypass inside value block, got %v (%v)", v, err)
	}
	if IsBypassed(WithoutAuthorization(WithoutAuthorization(outer))) != true || IsBypassed(outer) {
		t.Fatal("bypass is idempotent and scoped")
	}
}
