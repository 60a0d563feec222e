package container

import (
	"testing"

	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/email"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	"github.com/stretchr/testify/require"
)

func TestGetterPanicsBeforeInit(t *testing.T) {
	require.Panics(t, func() { NewDiContainer().GetStorage() })
}

func TestInitInMemory(t *testing.T) {
	d := NewDiContainer()
	require.NoError(t, d.Init(config.Default()))
	require.IsType(t, &memory.Store{}, d.GetStorage())
	require.IsType(t, &memory.Queue{}, d.GetQueue())
	require.IsType(t, email.LogSender{}, d.GetEmailSender())
	require.NotNil(t, d.GetChannels())
	require.NotNil(t, d.GetSubscriber())
	require.NoError(t, d.Close())
}

func TestInitRejectsUnknownStorage(t *testing.T) {
	conf := config.Default()
	conf.StorageType = "cassandra"
	require.Error(t, NewDiContainer().Init(conf))
}

func TestOptionsOverrideDefaults(t *testing.T) {
	store := memory.NewStore()
	d := NewDiContainer()
	require.NoError(t, d.Init(config.Default(), WithStorage(store)))
	require.Same(t, store, d.GetStorage())
}
