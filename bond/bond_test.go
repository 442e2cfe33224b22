//go:build test

package bond_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blehost/bond"
	"github.com/srg/blehost/transport"
)

type BondStoreTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (suite *BondStoreTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
}

func (suite *BondStoreTestSuite) record(mac string) (*bond.Record, transport.Addr) {
	identity := transport.Addr{Type: transport.AddrPublic, MAC: mac}
	return &bond.Record{
		IdentityAddress: identity,
		OwnLTK:          []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		PeerLTK:         []byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		PeerIRK:         make([]byte, 16),
		MasterID:        transport.MasterID{EDiv: 7, Rand: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		LESC:            true,
	}, identity
}

func (suite *BondStoreTestSuite) TestLTKSelection() {
	// GOAL: Verify re-encryption picks the right key for the bond flavor:
	// LESC bonds use our own LTK, legacy bonds the peer-distributed one
	rec, _ := suite.record("aa:aa:aa:aa:aa:aa")

	rec.LESC = true
	suite.Equal(rec.OwnLTK, rec.LTK(), "LESC bond MUST use the own LTK")
	rec.LESC = false
	suite.Equal(rec.PeerLTK, rec.LTK(), "legacy bond MUST use the peer LTK")
}

func (suite *BondStoreTestSuite) TestMemoryStoreCRUD() {
	store := bond.NewMemoryStore()
	rec, identity := suite.record("aa:aa:aa:aa:aa:aa")

	_, ok := store.Load(identity)
	suite.False(ok, "empty store MUST NOT find the record")

	suite.Require().NoError(store.Save(identity, rec))
	got, ok := store.Load(identity)
	suite.Require().True(ok, "saved record MUST be loadable")
	suite.Equal(rec.OwnLTK, got.OwnLTK)
	suite.Len(store.Records(), 1)

	suite.Require().NoError(store.Delete(identity))
	_, ok = store.Load(identity)
	suite.False(ok, "deleted record MUST be gone")
	suite.NoError(store.Delete(identity), "deleting a missing record MUST NOT error")
}

func (suite *BondStoreTestSuite) TestFileStoreRoundTrip() {
	// GOAL: Verify bonds survive a store reopen via the YAML file
	path := filepath.Join(suite.T().TempDir(), "bonds.yaml")

	store, err := bond.OpenFileStore(path, suite.logger)
	suite.Require().NoError(err, "MUST open a store on a missing file")

	rec, identity := suite.record("bb:bb:bb:bb:bb:bb")
	rec.Name = "thermostat"
	suite.Require().NoError(store.Save(identity, rec))

	reopened, err := bond.OpenFileStore(path, suite.logger)
	suite.Require().NoError(err, "MUST reopen the store")
	got, ok := reopened.Load(identity)
	suite.Require().True(ok, "record MUST survive reopen")
	suite.Equal(rec.OwnLTK, got.OwnLTK, "key material MUST round-trip")
	suite.Equal(rec.MasterID, got.MasterID, "master id MUST round-trip")
	suite.Equal("thermostat", got.Name)
	suite.True(got.LESC)

	suite.Require().NoError(reopened.Delete(identity))
	final, err := bond.OpenFileStore(path, suite.logger)
	suite.Require().NoError(err)
	_, ok = final.Load(identity)
	suite.False(ok, "deletion MUST be persisted")
}

func (suite *BondStoreTestSuite) TestFileStorePermissions() {
	// GOAL: Verify the bond file is not world readable, it holds key
	// material
	path := filepath.Join(suite.T().TempDir(), "bonds.yaml")
	store, err := bond.OpenFileStore(path, suite.logger)
	suite.Require().NoError(err)

	rec, identity := suite.record("cc:cc:cc:cc:cc:cc")
	suite.Require().NoError(store.Save(identity, rec))

	info, err := os.Stat(path)
	suite.Require().NoError(err)
	suite.Equal(os.FileMode(0o600), info.Mode().Perm(), "bond file MUST be private")
}

func TestBondStoreTestSuite(t *testing.T) {
	suite.Run(t, new(BondStoreTestSuite))
}
