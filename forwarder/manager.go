package forwarder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caio-sobreiro/dicomgw/centralapi"
	"github.com/caio-sobreiro/dicomgw/client"
	"github.com/caio-sobreiro/dicomgw/dicom"
	"github.com/caio-sobreiro/dicomgw/dimse"
	"github.com/caio-sobreiro/dicomgw/types"
)

var (
	tagSOPClassUID    = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID = dicom.Tag{Group: 0x0008, Element: 0x0018}
)

// CatalogueSource is the slice of the central API the forwarder needs.
type CatalogueSource interface {
	AllDicomMetadata(ctx context.Context) (*centralapi.Catalogue, error)
	ResultIDForStudy(ctx context.Context, studyUID string) (int, error)
	DownloadSeries(ctx context.Context, resultID int, seriesUID string) ([][]byte, error)
}

// association is the outbound connection surface, seamed for tests.
type association interface {
	SendCStore(req *client.CStoreRequest) (*client.CStoreResponse, error)
	SendCEcho(messageID uint16) (*client.CEchoResponse, error)
	GetPresentationContextID(abstractSyntax string) (byte, error)
	TransferSyntaxFor(contextID byte) (string, error)
	Close() error
}

type dialFunc func(address string, cfg client.Config) (association, error)

func dialAssociation(address string, cfg client.Config) (association, error) {
	return client.Connect(address, cfg)
}

// storageAbstractSyntaxes is the context set proposed when forwarding.
func storageAbstractSyntaxes() []string {
	return []string{
		types.VerificationSOPClass,
		types.CTImageStorage,
		types.MRImageStorage,
		types.XRayAngiographicImageStorage,
		types.ComputedRadiographyImageStorage,
		types.DigitalXRayImageStorageForPresentation,
		types.DigitalXRayImageStorageForProcessing,
		types.UltrasoundImageStorage,
		types.SecondaryCaptureImageStorage,
	}
}

// NodeStats is the per-node part of Stats.
type NodeStats struct {
	Node       Node
	SeriesSent int
}

// Stats is a snapshot of the forwarder state.
type Stats struct {
	Settings Settings
	Nodes    map[string]NodeStats
}

// Manager runs the auto-forward loop: every tick it compares the central
// API catalogue against the ledger and pushes unsent series to the enabled
// nodes. A series is sent to a node at most once until its ledger entry is
// cleared.
type Manager struct {
	nodesPath  string
	ledgerPath string
	api        CatalogueSource
	logger     *zap.Logger

	// CallingAETitle is used on outbound associations. Set before Start.
	CallingAETitle string

	dial dialFunc

	mu  sync.Mutex
	led ledger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	started   bool
}

// NewManager builds a forwarder over the given node configuration and
// ledger files. The ledger is loaded eagerly; a malformed file starts
// empty with a logged error.
func NewManager(nodesPath, ledgerPath string, api CatalogueSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	led, err := loadLedger(ledgerPath)
	if err != nil {
		logger.Error("Failed to load forwarding ledger, starting empty",
			zap.String("path", ledgerPath),
			zap.Error(err))
		led = make(ledger)
	}

	return &Manager{
		nodesPath:      nodesPath,
		ledgerPath:     ledgerPath,
		api:            api,
		logger:         logger,
		CallingAETitle: "DICOMRCV",
		dial:           dialAssociation,
		led:            led,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the polling loop. Idempotent.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started = true
		go m.loop()
	})
}

// Stop terminates the loop and waits for the current tick to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started {
		<-m.done
	}
}

func (m *Manager) loop() {
	defer close(m.done)

	for {
		doc, err := loadNodes(m.nodesPath)
		if err != nil {
			m.logger.Error("Failed to load node configuration", zap.Error(err))
			doc = defaultNodesDocument()
		}

		if doc.Settings.AutoForwardEnabled {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-m.stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error("Forward tick failed", zap.Error(err))
			}
			cancel()
		}

		interval := time.Duration(doc.Settings.PollingInterval) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-m.stop:
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce performs one forwarding tick: reload the node configuration,
// fetch the catalogue once and push every unsent series to every enabled
// node. Per-series failures are logged and retried on the next tick.
func (m *Manager) RunOnce(ctx context.Context) error {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return err
	}

	enabled := enabledNodeIDs(doc.Nodes)
	if len(enabled) == 0 {
		return nil
	}

	catalogue, err := m.api.AllDicomMetadata(ctx)
	if err != nil {
		return fmt.Errorf("catalogue fetch failed: %w", err)
	}

	for _, nodeID := range enabled {
		node := doc.Nodes[nodeID]
		for _, study := range catalogue.Studies() {
			for _, series := range catalogue.SeriesForStudy(study.InstanceUID) {
				if m.alreadySent(nodeID, series.InstanceUID) {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := m.forwardSeries(ctx, nodeID, node, study.InstanceUID, series.InstanceUID); err != nil {
					m.logger.Warn("Series forward failed, will retry next tick",
						zap.String("node", nodeID),
						zap.String("series_uid", series.InstanceUID),
						zap.Error(err))
					continue
				}

				m.recordSent(nodeID, series.InstanceUID)
				m.logger.Info("Series forwarded",
					zap.String("node", nodeID),
					zap.String("series_uid", series.InstanceUID))
			}
		}
	}
	return nil
}

// forwardSeries downloads one series and pushes its instances over a
// single association. Success requires at least 80% accepted.
func (m *Manager) forwardSeries(ctx context.Context, nodeID string, node Node, studyUID, seriesUID string) error {
	resultID, err := m.api.ResultIDForStudy(ctx, studyUID)
	if err != nil {
		return err
	}

	files, err := m.api.DownloadSeries(ctx, resultID, seriesUID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("series %s has no instances on the API", seriesUID)
	}

	assoc, err := m.dial(node.Address(), client.Config{
		CallingAETitle:   m.CallingAETitle,
		CalledAETitle:    node.AETitle,
		AbstractSyntaxes: storageAbstractSyntaxes(),
		Logger:           m.logger,
	})
	if err != nil {
		return fmt.Errorf("node %s unreachable: %w", nodeID, err)
	}
	defer assoc.Close()

	accepted := 0
	for i, file := range files {
		if err := m.sendInstance(assoc, file, uint16(i+1)); err != nil {
			m.logger.Warn("Instance rejected",
				zap.String("node", nodeID),
				zap.String("series_uid", seriesUID),
				zap.Error(err))
			continue
		}
		accepted++
	}

	// 80% acceptance threshold
	if accepted*5 < len(files)*4 {
		return fmt.Errorf("only %d of %d instances accepted", accepted, len(files))
	}
	return nil
}

func (m *Manager) sendInstance(assoc association, file []byte, messageID uint16) error {
	payload, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(file)
	if err != nil {
		return err
	}
	ds, err := dicom.ParseDatasetWithTransferSyntax(payload, transferSyntax)
	if err != nil {
		return err
	}

	sopClassUID := ds.GetString(tagSOPClassUID)
	sopInstanceUID := ds.GetString(tagSOPInstanceUID)

	contextID, err := assoc.GetPresentationContextID(sopClassUID)
	if err != nil {
		return err
	}
	negotiated, err := assoc.TransferSyntaxFor(contextID)
	if err != nil {
		return err
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, negotiated)
	if err != nil {
		return err
	}

	resp, err := assoc.SendCStore(&client.CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           encoded,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	if resp.Status != dimse.StatusSuccess {
		return fmt.Errorf("instance %s rejected with status 0x%04x", sopInstanceUID, resp.Status)
	}
	return nil
}

func (m *Manager) alreadySent(nodeID, seriesUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.led.has(nodeID, seriesUID)
}

func (m *Manager) recordSent(nodeID, seriesUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.led.record(nodeID, seriesUID, time.Now())
	if err := saveLedger(m.ledgerPath, m.led); err != nil {
		m.logger.Error("Failed to persist forwarding ledger", zap.Error(err))
	}
}

// TestNode opens a verification association to a node and sends C-ECHO.
func (m *Manager) TestNode(nodeID string) error {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return err
	}
	node, ok := doc.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not configured", nodeID)
	}

	assoc, err := m.dial(node.Address(), client.Config{
		CallingAETitle:   m.CallingAETitle,
		CalledAETitle:    node.AETitle,
		AbstractSyntaxes: []string{types.VerificationSOPClass},
		Logger:           m.logger,
	})
	if err != nil {
		return fmt.Errorf("node %s unreachable: %w", nodeID, err)
	}
	defer assoc.Close()

	resp, err := assoc.SendCEcho(1)
	if err != nil {
		return err
	}
	if resp.Status != dimse.StatusSuccess {
		return fmt.Errorf("node %s answered C-ECHO with status 0x%04x", nodeID, resp.Status)
	}
	return nil
}

// Nodes returns the configured nodes.
func (m *Manager) Nodes() (map[string]Node, error) {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return nil, err
	}
	return doc.Nodes, nil
}

// AddNode inserts or replaces a node.
func (m *Manager) AddNode(nodeID string, node Node) error {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return err
	}
	doc.Nodes[nodeID] = node
	return saveNodes(m.nodesPath, doc)
}

// RemoveNode deletes a node and purges its ledger entries.
func (m *Manager) RemoveNode(nodeID string) error {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return err
	}
	if _, ok := doc.Nodes[nodeID]; !ok {
		return fmt.Errorf("node %s not configured", nodeID)
	}
	delete(doc.Nodes, nodeID)
	if err := saveNodes(m.nodesPath, doc); err != nil {
		return err
	}
	return m.ClearTracking(nodeID)
}

// SetNodeEnabled toggles forwarding for one node.
func (m *Manager) SetNodeEnabled(nodeID string, enabled bool) error {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return err
	}
	node, ok := doc.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not configured", nodeID)
	}
	node.Enabled = enabled
	doc.Nodes[nodeID] = node
	return saveNodes(m.nodesPath, doc)
}

// ClearTracking drops the ledger entries of one node so its series are
// forwarded again on the next tick.
func (m *Manager) ClearTracking(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.led, nodeID)
	return saveLedger(m.ledgerPath, m.led)
}

// ClearAllTracking resets the whole ledger.
func (m *Manager) ClearAllTracking() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.led = make(ledger)
	return saveLedger(m.ledgerPath, m.led)
}

// Stats reports per-node sent counts and the current settings.
func (m *Manager) Stats() (Stats, error) {
	doc, err := loadNodes(m.nodesPath)
	if err != nil {
		return Stats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Settings: doc.Settings,
		Nodes:    make(map[string]NodeStats, len(doc.Nodes)),
	}
	for id, node := range doc.Nodes {
		stats.Nodes[id] = NodeStats{
			Node:       node,
			SeriesSent: len(m.led[id]),
		}
	}
	return stats, nil
}

func enabledNodeIDs(nodes map[string]Node) []string {
	var ids []string
	for id, node := range nodes {
		if node.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
