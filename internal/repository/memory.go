package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eventcard/internal/model"
)

// Имена операций, для которых MemoryRepository умеет имитировать сбой.
const (
	OpGetCard            = "GetCard"
	OpUpdateCardBalance  = "UpdateCardBalance"
	OpAppendTransaction  = "AppendTransaction"
	OpUpdateProductStock = "UpdateProductStock"
	OpInsertSale         = "InsertSale"
	OpInsertSaleLines    = "InsertSaleLines"
	OpEnqueueOutbox      = "EnqueueOutbox"
	OpRollback           = "Rollback"
)

type memState struct {
	cards        map[string]model.Card
	products     map[int64]model.Product
	sales        map[int64]model.Sale
	transactions []model.Transaction
	outbox       []model.OutboxMessage
}

func (s memState) clone() memState {
	sales := make(map[int64]model.Sale, len(s.sales))
	for id, sale := range s.sales {
		sale.Lines = slices.Clone(sale.Lines)
		sales[id] = sale
	}
	return memState{
		cards:        maps.Clone(s.cards),
		products:     maps.Clone(s.products),
		sales:        sales,
		transactions: slices.Clone(s.transactions),
		outbox:       slices.Clone(s.outbox),
	}
}

// MemoryRepository хранит данные в памяти процесса. Используется в тестах
// и для локального запуска без PostgreSQL. Все записи RunInTx сериализуются
// одним мьютексом; при ошибке состояние восстанавливается из снимка.
type MemoryRepository struct {
	mu     sync.Mutex
	state  memState
	users  map[string]model.User
	faults map[string]error

	nextUserID    int64
	nextProductID int64
	nextSaleID    int64
	nextOutboxID  int64
	now           func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: memState{
			cards:    make(map[string]model.Card),
			products: make(map[int64]model.Product),
			sales:    make(map[int64]model.Sale),
		},
		users:  make(map[string]model.User),
		faults: make(map[string]error),
		now:    time.Now,
	}
}

// FailOn заставляет операцию op возвращать err до вызова ClearFaults.
func (m *MemoryRepository) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

// ClearFaults отменяет все имитируемые сбои.
func (m *MemoryRepository) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.faults)
}

func (m *MemoryRepository) fault(op string) error {
	if err, ok := m.faults[op]; ok {
		return fmt.Errorf("%s: %w", strings.ToLower(op), err)
	}
	return nil
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (m *MemoryRepository) Close() error {
	return nil
}

// RunInTx выполняет fn под общей блокировкой. При ошибке fn все изменения
// отменяются восстановлением снимка состояния.
func (m *MemoryRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	if err := fn(ctx, &memTx{m: m}); err != nil {
		if rbErr := m.fault(OpRollback); rbErr != nil {
			return fmt.Errorf("%w: %w (after: %w)", ErrRollbackFailed, rbErr, err)
		}
		m.state = snapshot
		return err
	}
	return nil
}

// CreateUser создаёт нового оператора.
func (m *MemoryRepository) CreateUser(_ context.Context, login string, passwordHash []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
	}
	m.nextUserID++
	m.users[login] = model.User{
		ID:           m.nextUserID,
		Login:        login,
		PasswordHash: slices.Clone(passwordHash),
		CreatedAt:    m.now(),
	}
	return m.nextUserID, nil
}

// GetUserByLogin возвращает оператора по логину.
func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[login]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// GetCard возвращает карту по идентификатору.
func (m *MemoryRepository) GetCard(_ context.Context, id string) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault(OpGetCard); err != nil {
		return nil, err
	}
	c, ok := m.state.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	return &c, nil
}

// UpdateCardHolder изменяет имя и телефон владельца карты.
func (m *MemoryRepository) UpdateCardHolder(_ context.Context, id, name, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.state.cards[id]
	if !ok {
		return ErrCardNotFound
	}
	c.Name = name
	c.Phone = phone
	m.state.cards[id] = c
	return nil
}

// ListTransactions возвращает журнал операций карты в порядке записи.
func (m *MemoryRepository) ListTransactions(_ context.Context, cardID string) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Transaction
	for _, t := range m.state.transactions {
		if t.CardID == cardID {
			res = append(res, t)
		}
	}
	return res, nil
}

// CreateProduct добавляет товар в каталог.
func (m *MemoryRepository) CreateProduct(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextProductID++
	p.ID = m.nextProductID
	p.CreatedAt = m.now()
	m.state.products[p.ID] = *p
	return nil
}

// UpdateProduct перезаписывает редактируемые поля товара.
func (m *MemoryRepository) UpdateProduct(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.state.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	p.CreatedAt = existing.CreatedAt
	m.state.products[p.ID] = *p
	return nil
}

// SetProductAvailable меняет признак доступности товара.
func (m *MemoryRepository) SetProductAvailable(_ context.Context, id int64, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Available = available
	m.state.products[id] = p
	return nil
}

// GetProduct возвращает товар по идентификатору.
func (m *MemoryRepository) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

// ListProducts возвращает каталог, упорядоченный по названию.
func (m *MemoryRepository) ListProducts(_ context.Context, onlyAvailable bool) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Product
	for _, p := range m.state.products {
		if onlyAvailable && (!p.Available || p.Quantity <= 0) {
			continue
		}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// GetSale возвращает продажу вместе с позициями.
func (m *MemoryRepository) GetSale(_ context.Context, id int64) (*model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.sales[id]
	if !ok {
		return nil, ErrSaleNotFound
	}
	s = m.decorateSale(s)
	return &s, nil
}

// ListSales возвращает продажи по фильтру, новые первыми.
func (m *MemoryRepository) ListSales(_ context.Context, f model.SaleFilter) ([]model.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Sale
	for _, s := range m.state.sales {
		if f.CardID != "" && s.CardID != f.CardID {
			continue
		}
		if f.Category != model.CategoryUndefined && s.Category != f.Category {
			continue
		}
		if f.PendingOnly && s.Delivered {
			continue
		}
		res = append(res, m.decorateSale(s))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (m *MemoryRepository) decorateSale(s model.Sale) model.Sale {
	s.HolderName = m.state.cards[s.CardID].Name
	lines := slices.Clone(s.Lines)
	for i := range lines {
		lines[i].ProductName = m.state.products[lines[i].ProductID].Name
	}
	s.Lines = lines
	return s
}

// MarkSaleDelivered переводит продажу из ожидания в выданные.
func (m *MemoryRepository) MarkSaleDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state.sales[id]
	if !ok {
		return ErrSaleNotFound
	}
	if s.Delivered {
		return ErrSaleDelivered
	}
	s.Delivered = true
	m.state.sales[id] = s
	return nil
}

// PendingOutbox возвращает неотправленные сообщения в порядке записи.
func (m *MemoryRepository) PendingOutbox(_ context.Context, limit int) ([]model.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.OutboxMessage
	for _, msg := range m.state.outbox {
		if msg.Status != model.OutboxStatusPending {
			continue
		}
		res = append(res, msg)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

// MarkOutboxSent отмечает сообщение отправленным.
func (m *MemoryRepository) MarkOutboxSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.state.outbox {
		if m.state.outbox[i].ID == id {
			m.state.outbox[i].Status = model.OutboxStatusSent
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

// MarkOutboxAttemptFailed увеличивает счётчик попыток и переводит сообщение
// в FAILED, когда попытки исчерпаны.
func (m *MemoryRepository) MarkOutboxAttemptFailed(_ context.Context, id int64, maxRetries int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.state.outbox {
		msg := &m.state.outbox[i]
		if msg.ID != id {
			continue
		}
		msg.RetryCount++
		if msg.RetryCount >= maxRetries {
			msg.Status = model.OutboxStatusFailed
			return true, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("outbox message %d not found", id)
}

// Outbox возвращает копию всех исходящих сообщений.
func (m *MemoryRepository) Outbox() []model.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.outbox)
}

// memTx выполняется под блокировкой MemoryRepository.mu, поэтому сам не блокирует.
type memTx struct {
	m *MemoryRepository
}

func (t *memTx) GetCardForUpdate(_ context.Context, id string) (*model.Card, error) {
	if err := t.m.fault(OpGetCard); err != nil {
		return nil, err
	}
	c, ok := t.m.state.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	return &c, nil
}

func (t *memTx) InsertCard(_ context.Context, card *model.Card) error {
	if _, ok := t.m.state.cards[card.ID]; ok {
		return fmt.Errorf("%w: %s", ErrCardExists, card.ID)
	}
	card.CreatedAt = t.m.now()
	t.m.state.cards[card.ID] = *card
	return nil
}

func (t *memTx) UpdateCardBalance(_ context.Context, id string, balance decimal.Decimal) error {
	if err := t.m.fault(OpUpdateCardBalance); err != nil {
		return err
	}
	c, ok := t.m.state.cards[id]
	if !ok {
		return ErrCardNotFound
	}
	if balance.IsNegative() {
		return fmt.Errorf("update card balance: negative balance %s", balance)
	}
	c.Balance = balance
	t.m.state.cards[id] = c
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tr *model.Transaction) error {
	if err := t.m.fault(OpAppendTransaction); err != nil {
		return err
	}
	tr.CreatedAt = t.m.now()
	t.m.state.transactions = append(t.m.state.transactions, *tr)
	return nil
}

func (t *memTx) GetProductsForUpdate(_ context.Context, ids []int64) (map[int64]*model.Product, error) {
	res := make(map[int64]*model.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.m.state.products[id]; ok {
			res[id] = &p
		}
	}
	return res, nil
}

func (t *memTx) UpdateProductStock(_ context.Context, id int64, quantity int64) error {
	if err := t.m.fault(OpUpdateProductStock); err != nil {
		return err
	}
	p, ok := t.m.state.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Quantity = quantity
	t.m.state.products[id] = p
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale *model.Sale) error {
	if err := t.m.fault(OpInsertSale); err != nil {
		return err
	}
	t.m.nextSaleID++
	sale.ID = t.m.nextSaleID
	sale.CreatedAt = t.m.now()

	stored := *sale
	stored.Lines = nil
	t.m.state.sales[sale.ID] = stored
	return nil
}

func (t *memTx) InsertSaleLines(_ context.Context, lines []model.SaleLine) error {
	if err := t.m.fault(OpInsertSaleLines); err != nil {
		return err
	}
	for _, l := range lines {
		s, ok := t.m.state.sales[l.SaleID]
		if !ok {
			return ErrSaleNotFound
		}
		s.Lines = append(s.Lines, l)
		t.m.state.sales[l.SaleID] = s
	}
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg *model.OutboxMessage) error {
	if err := t.m.fault(OpEnqueueOutbox); err != nil {
		return err
	}
	t.m.nextOutboxID++
	msg.ID = t.m.nextOutboxID
	msg.Status = model.OutboxStatusPending
	msg.CreatedAt = t.m.now()
	t.m.state.outbox = append(t.m.state.outbox, *msg)
	return nil
}
