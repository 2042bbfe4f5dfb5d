package distribution

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// MockDistributor implements the Distributor interface for testing.
// The behavior is determined by how the mock is configured in tests.
type MockDistributor struct {
	mock.Mock
}

func (m *MockDistributor) Push(ctx context.Context, target interfaces.Target, artifacts interfaces.ArtifactSet) (*interfaces.DistributionReceipt, error) {
	args := m.Called(ctx, target, artifacts)
	if receipt := args.Get(0); receipt != nil {
		return receipt.(*interfaces.DistributionReceipt), args.Error(1)
	}
	return nil, args.Error(1)
}
