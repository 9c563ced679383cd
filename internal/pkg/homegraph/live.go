package homegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	hgv1 "google.golang.org/api/homegraph/v1"
	apioption "google.golang.org/api/option"

	"github.com/teeline/smarthome-washer/internal/pkg/logging"
)

type Live struct {
	credsFile   string
	accessToken string
	timeout     time.Duration
}

// NewLiveClient builds a HomeGraph client authenticating with the
// given service account credentials file; an empty path falls back to
// application default credentials
func NewLiveClient(credsFile string) *Live {
	return &Live{
		credsFile: credsFile,
	}
}

func (c *Live) WithTimeout(d time.Duration) HomeGraph {
	nc := *c
	nc.timeout = d
	return &nc
}

// WithAccessToken switches the client to a pre-minted bearer token
// instead of the credentials file
func (c *Live) WithAccessToken(token string) *Live {
	nc := *c
	nc.accessToken = token
	return &nc
}

func (c *Live) api(ctx context.Context) (*hgv1.Service, error) {
	var opts []apioption.ClientOption
	switch {
	case c.accessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.accessToken})
		opts = append(opts, apioption.WithTokenSource(ts))
	case c.credsFile != "":
		opts = append(opts, apioption.WithCredentialsFile(c.credsFile))
	}

	svc, err := hgv1.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return svc, nil
}

func (c *Live) makeContext() (context.Context, context.CancelFunc) {
	var ctx = context.Background()
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	}

	return ctx, cancel
}

func (c *Live) ReportState(agentUserID string, deviceID string, state map[string]interface{}) error {
	ctx, cancel := c.makeContext()
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return errors.Wrap(err, "initialising the api")
	}

	states, err := json.Marshal(map[string]interface{}{
		deviceID: state,
	})
	if err != nil {
		return errors.Wrap(err, "encoding device states")
	}

	req := hgv1.ReportStateAndNotificationRequest{
		RequestId:   uuid.New().String(),
		AgentUserId: agentUserID,
		Payload: &hgv1.StateAndNotificationPayload{
			Devices: &hgv1.ReportStateAndNotificationDevice{
				States: googleapi.RawMessage(states),
			},
		},
	}

	logging.Logger(nil).Debugf("reporting state for %s: %s", deviceID, states)

	resp, err := s.Devices.ReportStateAndNotification(&req).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "reporting state for device %s", deviceID)
	}

	if resp.HTTPStatusCode != 200 {
		return fmt.Errorf("report state response error: HTTP status %d", resp.HTTPStatusCode)
	}

	return nil
}

func (c *Live) RequestSync(agentUserID string) ([]byte, error) {
	ctx, cancel := c.makeContext()
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	req := hgv1.RequestSyncDevicesRequest{
		AgentUserId: agentUserID,
	}

	resp, err := s.Devices.RequestSync(&req).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "requesting sync for agent %s", agentUserID)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request-sync response")
	}

	return body, nil
}
