package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwrt/asu/internal/apierr"
	"github.com/openwrt/asu/internal/store"
	"github.com/openwrt/asu/internal/store/memstore"
)

func seed(s *memstore.Store) store.SubtargetKey {
	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	s.SeedSubtarget(key, store.Supported, time.Now())
	s.SeedPackagesAvailable(key, map[string]string{"luci": "1.0", "nano": "2.0"})
	s.SeedProfile(key, store.Profile{ProfileName: "tl-wdr4300-v1", ModelLabel: "TP-Link TL-WDR4300 v1", DefaultPackages: []string{"base-files"}})
	return key
}

func newService(s store.Store) *Service {
	log := logrus.NewEntry(logrus.New())
	return New(s, "lede", log)
}

func TestHandleUpgradeRequestHappyPath(t *testing.T) {
	s := memstore.New()
	key := seed(s)
	_ = key
	ctx := context.Background()
	require.NoError(t, s.RegisterSkill(ctx, "worker-1", seed2(s), "ready"))

	svc := newService(s)
	res, err := svc.HandleUpgradeRequest(ctx, RequestBody{
		Target: "ar71xx", Subtarget: "generic", Profile: "tl-wdr4300-v1", Packages: []string{"luci"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, "requested", res.Status.Status)
	assert.NotEmpty(t, res.Status.RequestHash)
}

func seed2(s *memstore.Store) store.SubtargetKey {
	return store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
}

func TestHandleUpgradeRequestUnknownPackage(t *testing.T) {
	s := memstore.New()
	seed(s)
	ctx := context.Background()
	require.NoError(t, s.RegisterSkill(ctx, "worker-1", seed2(s), "ready"))

	svc := newService(s)
	_, err := svc.HandleUpgradeRequest(ctx, RequestBody{
		Target: "ar71xx", Subtarget: "generic", Profile: "tl-wdr4300-v1", Packages: []string{"ghost-pkg"},
	})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.UnknownPackage, apiErr.Kind)
}

func TestHandleUpgradeRequestUnknownProfile(t *testing.T) {
	s := memstore.New()
	seed(s)
	ctx := context.Background()
	require.NoError(t, s.RegisterSkill(ctx, "worker-1", seed2(s), "ready"))

	svc := newService(s)
	_, err := svc.HandleUpgradeRequest(ctx, RequestBody{
		Target: "ar71xx", Subtarget: "generic", Profile: "does-not-exist",
	})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.UnknownProfile, apiErr.Kind)
}

func TestHandleUpgradeRequestUnsupportedTarget(t *testing.T) {
	s := memstore.New()
	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	s.SeedSubtarget(key, store.Unsupported, time.Now())

	svc := newService(s)
	_, err := svc.HandleUpgradeRequest(context.Background(), RequestBody{
		Target: "ar71xx", Subtarget: "generic", Profile: "tl-wdr4300-v1",
	})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.UnsupportedTarget, apiErr.Kind)
}

func TestHandleUpgradeRequestMissingFields(t *testing.T) {
	s := memstore.New()
	svc := newService(s)
	_, err := svc.HandleUpgradeRequest(context.Background(), RequestBody{})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierr.InvalidRequest, apiErr.Kind)
}

func TestHandleUpgradeRequestDeduplicates(t *testing.T) {
	s := memstore.New()
	seed(s)
	ctx := context.Background()
	require.NoError(t, s.RegisterSkill(ctx, "worker-1", seed2(s), "ready"))
	svc := newService(s)

	body := RequestBody{Target: "ar71xx", Subtarget: "generic", Profile: "tl-wdr4300-v1", Packages: []string{"luci"}}
	res1, err := svc.HandleUpgradeRequest(ctx, body)
	require.NoError(t, err)
	res2, err := svc.HandleUpgradeRequest(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, res1.Status.RequestHash, res2.Status.RequestHash)
}

func TestHandleUpgradeRequestStaleCatalogueTriggersImagebuilder(t *testing.T) {
	s := memstore.New()
	key := store.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	s.SeedSubtarget(key, store.Supported, time.Now().Add(-48*time.Hour))
	s.SeedProfile(key, store.Profile{ProfileName: "tl-wdr4300-v1"})

	svc := newService(s)
	res, err := svc.HandleUpgradeRequest(context.Background(), RequestBody{
		Target: "ar71xx", Subtarget: "generic", Profile: "tl-wdr4300-v1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, "imagebuilder", res.Status.Status)
}
