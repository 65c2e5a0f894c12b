package metrics

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/posthog/posthog-go"
)

type PosthogMetricsClient struct {
	posthogClient posthog.Client
}

func (p *PosthogMetricsClient) anonymizeTenant(tenantID int) string {
	hash := md5.Sum([]byte(strconv.Itoa(tenantID)))
	return hex.EncodeToString(hash[:])
}

func (p *PosthogMetricsClient) IntegrationConnected(tenantID int) error {
	return p.posthogClient.Enqueue(posthog.Capture{
		DistinctId: p.anonymizeTenant(tenantID),
		Event:      "pco_integration_connected",
	})
}

func (p *PosthogMetricsClient) IntegrationDisconnected(tenantID int) error {
	return p.posthogClient.Enqueue(posthog.Capture{
		DistinctId: p.anonymizeTenant(tenantID),
		Event:      "pco_integration_disconnected",
	})
}

func (p *PosthogMetricsClient) Close() {
	p.posthogClient.Close()
}

func NewPosthogClient(apiKey string, host string, environment string) (*PosthogMetricsClient, error) {
	client, err := posthog.NewWithConfig(
		apiKey,
		posthog.Config{
			Endpoint:               host,
			DefaultEventProperties: posthog.Properties{"environment": environment},
		},
	)
	if err != nil {
		return &PosthogMetricsClient{}, err
	}

	return &PosthogMetricsClient{posthogClient: client}, nil
}
