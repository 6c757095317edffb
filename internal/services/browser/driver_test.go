package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/models"
)

func TestIsLoginURL(t *testing.T) {
	login := "http://192.168.1.254:8090/"

	assert.True(t, IsLoginURL("http://192.168.1.254:8090/", login))
	assert.True(t, IsLoginURL("http://192.168.1.254:8090/httpclient.html", login))
	assert.False(t, IsLoginURL("http://192.168.1.254/", login))
	assert.False(t, IsLoginURL("https://example.com/", login))
	assert.False(t, IsLoginURL("::bad", login))

	assert.True(t, IsLoginURL("http://portal.local/login/form", "http://portal.local/login"))
	assert.False(t, IsLoginURL("http://portal.local/other", "http://portal.local/login"))
}

func TestAllocatorOptions(t *testing.T) {
	withUA := allocatorOptions(common.BrowserConfig{Headless: true, UserAgent: "Portalguard/1.0"})
	withoutUA := allocatorOptions(common.BrowserConfig{Headless: true})

	assert.Len(t, withUA, len(withoutUA)+1)
}

func TestLoginAgent_FormActions(t *testing.T) {
	agent := NewLoginAgent(common.NewDefaultConfig().Portal, nil, nil, arbor.NewLogger())

	assert.Len(t, agent.formActions("guest", "secret", true), 5)
	assert.Len(t, agent.formActions("guest", "secret", false), 4, "no click without autoSubmit")
}

func TestDriver_NotStarted(t *testing.T) {
	driver := NewDriver(common.BrowserConfig{}, common.DefaultLoginURL, nil, nil, arbor.NewLogger())

	_, err := driver.OpenTab(context.Background(), common.DefaultLoginURL)
	assert.Error(t, err)
	assert.Error(t, driver.CloseTab(context.Background(), "T1"))
	driver.BeginLogin("T1")
	assert.Equal(t, 0, driver.OpenTabs())
	driver.Close()
}

type emptyCredentials struct{}

func (emptyCredentials) Load(ctx context.Context) (models.Credentials, error) {
	return models.Credentials{}, nil
}

func (emptyCredentials) Save(ctx context.Context, creds models.Credentials) error { return nil }

func TestDriver_BeginLoginOnlyOnLoginTabs(t *testing.T) {
	agent := NewLoginAgent(common.NewDefaultConfig().Portal, emptyCredentials{}, nil, arbor.NewLogger())
	driver := NewDriver(common.BrowserConfig{}, common.DefaultLoginURL, agent, nil, arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	driver.tabs["login"] = &tabEntry{ctx: ctx, cancel: cancel, url: common.DefaultLoginURL}
	driver.tabs["other"] = &tabEntry{ctx: ctx, cancel: cancel, url: "https://example.com/"}

	driver.BeginLogin("other")
	driver.BeginLogin("missing")
	assert.False(t, driver.tabs["other"].started)

	driver.BeginLogin("login")
	assert.True(t, driver.tabs["login"].started)
}
