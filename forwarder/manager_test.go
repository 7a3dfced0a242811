package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/centralapi"
	"github.com/caio-sobreiro/dicomgw/client"
	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/types"
)

type fakeCatalogueSource struct {
	catalogue *centralapi.Catalogue
	files     [][]byte
	downloads int
}

func (f *fakeCatalogueSource) AllDicomMetadata(ctx context.Context) (*centralapi.Catalogue, error) {
	if f.catalogue == nil {
		return nil, fmt.Errorf("catalogue unavailable")
	}
	return f.catalogue, nil
}

func (f *fakeCatalogueSource) ResultIDForStudy(ctx context.Context, studyUID string) (int, error) {
	id, ok := f.catalogue.ResultIDForStudy(studyUID)
	if !ok {
		return 0, fmt.Errorf("study %s not on the API", studyUID)
	}
	return id, nil
}

func (f *fakeCatalogueSource) DownloadSeries(ctx context.Context, resultID int, seriesUID string) ([][]byte, error) {
	f.downloads++
	return f.files, nil
}

// fakeAssociation accepts or rejects C-STOREs per the reject set.
type fakeAssociation struct {
	stored []string
	reject map[string]bool
	echoes int
	closed bool
}

func (f *fakeAssociation) SendCStore(req *client.CStoreRequest) (*client.CStoreResponse, error) {
	status := uint16(dimse.StatusSuccess)
	if f.reject[req.SOPInstanceUID] {
		status = dimse.StatusOutOfResources
	} else {
		f.stored = append(f.stored, req.SOPInstanceUID)
	}
	return &client.CStoreResponse{Status: status, SOPInstanceUID: req.SOPInstanceUID}, nil
}

func (f *fakeAssociation) SendCEcho(messageID uint16) (*client.CEchoResponse, error) {
	f.echoes++
	return &client.CEchoResponse{Status: dimse.StatusSuccess, MessageID: messageID}, nil
}

func (f *fakeAssociation) GetPresentationContextID(abstractSyntax string) (byte, error) {
	return 1, nil
}

func (f *fakeAssociation) TransferSyntaxFor(contextID byte) (string, error) {
	return types.ExplicitVRLittleEndian, nil
}

func (f *fakeAssociation) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	assoc *fakeAssociation
	err   error
	dials int
}

func (f *fakeDialer) dial(address string, cfg client.Config) (association, error) {
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.assoc, nil
}

func instanceFile(t *testing.T, sopUID string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0016}, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, sopUID)
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, "1.7.1")
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000E}, dicom.VR_UI, "1.7.1.1")

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	file, err := dicom.BuildPart10File(dicom.FileMeta{
		MediaStorageSOPClassUID:    types.CTImageStorage,
		MediaStorageSOPInstanceUID: sopUID,
		TransferSyntaxUID:          types.ExplicitVRLittleEndian,
	}, encoded)
	require.NoError(t, err)
	return file
}

func singleSeriesCatalogue(instances int) *centralapi.Catalogue {
	metas := make([]centralapi.InstanceMetadata, instances)
	for i := range metas {
		metas[i] = centralapi.InstanceMetadata{
			SOPInstanceUID: fmt.Sprintf("1.7.1.1.%d", i+1),
			SOPClassUID:    types.CTImageStorage,
		}
	}
	return &centralapi.Catalogue{
		Results: []centralapi.ResultEntry{{
			Result: centralapi.ResultInfo{ID: 3},
			DicomData: centralapi.DicomData{
				Studies: map[string]centralapi.StudyMetadata{
					"1.7.1": {
						PatientID: "PAT007",
						Series: map[string]centralapi.SeriesMetadata{
							"1.7.1.1": {Modality: "CT", Instances: metas},
						},
					},
				},
			},
		}},
	}
}

func writeNodesFile(t *testing.T, dir string, enabled bool) string {
	t.Helper()
	path := filepath.Join(dir, "nodes.json")
	doc := nodesDocument{
		Nodes: map[string]Node{
			"pacs1": {Name: "PACS 1", IP: "10.0.0.5", Port: 11112, AETitle: "PACS1", Enabled: enabled},
		},
		Settings: Settings{PollingInterval: 60, MaxRetryAttempts: 3, RetryDelay: 5, AutoForwardEnabled: true},
	}
	require.NoError(t, saveNodes(path, doc))
	return path
}

func newTestManager(t *testing.T, api CatalogueSource, dialer *fakeDialer, nodesEnabled bool) *Manager {
	t.Helper()
	dir := t.TempDir()
	nodesPath := writeNodesFile(t, dir, nodesEnabled)
	m := NewManager(nodesPath, filepath.Join(dir, "ledger.json"), api, zap.NewNop())
	m.dial = dialer.dial
	return m
}

func TestRunOnceForwardsAndRecordsLedger(t *testing.T) {
	files := [][]byte{instanceFile(t, "1.7.1.1.1"), instanceFile(t, "1.7.1.1.2")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(2), files: files}
	assoc := &fakeAssociation{}
	dialer := &fakeDialer{assoc: assoc}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, 1, dialer.dials)
	assert.Equal(t, []string{"1.7.1.1.1", "1.7.1.1.2"}, assoc.stored)
	assert.True(t, assoc.closed)

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Nodes["pacs1"].SeriesSent)
}

func TestRunOnceSkipsAlreadySentSeries(t *testing.T) {
	files := [][]byte{instanceFile(t, "1.7.1.1.1")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1), files: files}
	dialer := &fakeDialer{assoc: &fakeAssociation{}}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))
	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, 1, dialer.dials)
	assert.Equal(t, 1, api.downloads)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	nodesPath := writeNodesFile(t, dir, true)
	ledgerPath := filepath.Join(dir, "ledger.json")

	files := [][]byte{instanceFile(t, "1.7.1.1.1")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1), files: files}
	dialer := &fakeDialer{assoc: &fakeAssociation{}}

	m := NewManager(nodesPath, ledgerPath, api, zap.NewNop())
	m.dial = dialer.dial
	require.NoError(t, m.RunOnce(context.Background()))
	require.Equal(t, 1, dialer.dials)

	reloaded := NewManager(nodesPath, ledgerPath, api, zap.NewNop())
	reloaded.dial = dialer.dial
	require.NoError(t, reloaded.RunOnce(context.Background()))
	assert.Equal(t, 1, dialer.dials)
}

func TestEightyPercentThreshold(t *testing.T) {
	files := make([][]byte, 5)
	for i := range files {
		files[i] = instanceFile(t, fmt.Sprintf("1.7.1.1.%d", i+1))
	}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(5), files: files}

	// One rejection out of five is exactly 80%, still a success
	assoc := &fakeAssociation{reject: map[string]bool{"1.7.1.1.3": true}}
	dialer := &fakeDialer{assoc: assoc}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))
	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Nodes["pacs1"].SeriesSent)
}

func TestBelowThresholdRetriesNextTick(t *testing.T) {
	files := make([][]byte, 5)
	for i := range files {
		files[i] = instanceFile(t, fmt.Sprintf("1.7.1.1.%d", i+1))
	}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(5), files: files}

	assoc := &fakeAssociation{reject: map[string]bool{"1.7.1.1.2": true, "1.7.1.1.4": true}}
	dialer := &fakeDialer{assoc: assoc}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))
	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Nodes["pacs1"].SeriesSent)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 2, dialer.dials)
}

func TestDisabledNodeIsSkipped(t *testing.T) {
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1)}
	dialer := &fakeDialer{assoc: &fakeAssociation{}}
	m := newTestManager(t, api, dialer, false)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 0, dialer.dials)
}

func TestUnreachableNodeLeavesLedgerUntouched(t *testing.T) {
	files := [][]byte{instanceFile(t, "1.7.1.1.1")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1), files: files}
	dialer := &fakeDialer{err: fmt.Errorf("connection refused")}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Nodes["pacs1"].SeriesSent)
}

func TestTestNodeSendsEcho(t *testing.T) {
	assoc := &fakeAssociation{}
	dialer := &fakeDialer{assoc: assoc}
	m := newTestManager(t, &fakeCatalogueSource{}, dialer, true)

	require.NoError(t, m.TestNode("pacs1"))
	assert.Equal(t, 1, assoc.echoes)
	assert.True(t, assoc.closed)

	assert.Error(t, m.TestNode("absent"))
}

func TestNodeManagement(t *testing.T) {
	dialer := &fakeDialer{assoc: &fakeAssociation{}}
	m := newTestManager(t, &fakeCatalogueSource{}, dialer, true)

	require.NoError(t, m.AddNode("ws1", Node{Name: "Workstation", IP: "10.0.0.9", Port: 104, AETitle: "WS1"}))
	nodes, err := m.Nodes()
	require.NoError(t, err)
	assert.Contains(t, nodes, "ws1")
	assert.False(t, nodes["ws1"].Enabled)

	require.NoError(t, m.SetNodeEnabled("ws1", true))
	nodes, err = m.Nodes()
	require.NoError(t, err)
	assert.True(t, nodes["ws1"].Enabled)

	require.NoError(t, m.RemoveNode("ws1"))
	nodes, err = m.Nodes()
	require.NoError(t, err)
	assert.NotContains(t, nodes, "ws1")

	assert.Error(t, m.SetNodeEnabled("ghost", true))
}

func TestRemoveNodePurgesLedger(t *testing.T) {
	files := [][]byte{instanceFile(t, "1.7.1.1.1")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1), files: files}
	dialer := &fakeDialer{assoc: &fakeAssociation{}}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))
	require.NoError(t, m.RemoveNode("pacs1"))

	data, err := os.ReadFile(m.ledgerPath)
	require.NoError(t, err)
	var raw map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "pacs1")
}

func TestClearTrackingResendsSeries(t *testing.T) {
	files := [][]byte{instanceFile(t, "1.7.1.1.1")}
	api := &fakeCatalogueSource{catalogue: singleSeriesCatalogue(1), files: files}
	dialer := &fakeDialer{assoc: &fakeAssociation{}}
	m := newTestManager(t, api, dialer, true)

	require.NoError(t, m.RunOnce(context.Background()))
	require.NoError(t, m.ClearTracking("pacs1"))
	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, 2, dialer.dials)
}

func TestLoadNodesCreatesDisabledDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")

	doc, err := loadNodes(path)
	require.NoError(t, err)
	assert.False(t, doc.Settings.AutoForwardEnabled)
	for _, node := range doc.Nodes {
		assert.False(t, node.Enabled)
	}
	assert.FileExists(t, path)
}
