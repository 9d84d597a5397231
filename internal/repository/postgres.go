package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eventcard/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации и взаимной блокировке.
// Ошибки соединения повторяются только для идемпотентных операций чтения:
// для транзакции записи обрыв во время COMMIT не говорит, была ли она применена.
func (r *PostgresRepository) withRetry(ctx context.Context, idempotent bool, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := false

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		} else if idempotent && isConnectionError(err) {
			retryable = true
		}

		if !retryable || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RunInTx выполняет fn в одной транзакции БД. Ошибка fn откатывает все записи.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, false, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return fmt.Errorf("%w: %w (after: %w)", ErrRollbackFailed, rbErr, err)
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateUser создаёт нового оператора.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает оператора по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetCard возвращает карту по внешнему идентификатору.
func (r *PostgresRepository) GetCard(ctx context.Context, id string) (*model.Card, error) {
	var card *model.Card
	err := r.withRetry(ctx, true, func() error {
		var err error
		card, err = scanCard(r.pool.QueryRow(ctx,
			`SELECT id, name, phone, balance, created_at FROM cards WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

// UpdateCardHolder изменяет имя и телефон владельца карты. Баланс не затрагивается.
func (r *PostgresRepository) UpdateCardHolder(ctx context.Context, id, name, phone string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE cards SET name = $2, phone = $3 WHERE id = $1`,
		id, name, phone,
	)
	if err != nil {
		return fmt.Errorf("update card holder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// ListTransactions возвращает журнал операций карты в порядке записи.
func (r *PostgresRepository) ListTransactions(ctx context.Context, cardID string) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, card_id, holder_name, amount, resulting_balance, kind, sale_id, created_at
		 FROM transactions
		 WHERE card_id = $1
		 ORDER BY seq`,
		cardID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t         model.Transaction
			kind      string
			amount    int64
			resulting int64
		)
		if err := rows.Scan(&t.ID, &t.CardID, &t.HolderName, &amount, &resulting, &kind, &t.SaleID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		t.Amount = model.FromCents(amount)
		t.ResultingBalance = model.FromCents(resulting)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateProduct добавляет товар в каталог и заполняет его идентификатор.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, price, quantity, available, category)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.Name, model.ToCents(p.Price), p.Quantity, p.Available, nullableCategory(p.Category),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// UpdateProduct перезаписывает редактируемые поля товара.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE products SET name = $2, price = $3, quantity = $4, available = $5, category = $6 WHERE id = $1`,
		p.ID, p.Name, model.ToCents(p.Price), p.Quantity, p.Available, nullableCategory(p.Category),
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// SetProductAvailable меняет только признак доступности товара, не затрагивая остаток.
func (r *PostgresRepository) SetProductAvailable(ctx context.Context, id int64, available bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return fmt.Errorf("set product available: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return scanProduct(r.pool.QueryRow(ctx,
		`SELECT id, name, price, quantity, available, category, created_at FROM products WHERE id = $1`, id))
}

// ListProducts возвращает каталог, упорядоченный по названию.
// При onlyAvailable возвращаются только доступные товары с ненулевым остатком.
func (r *PostgresRepository) ListProducts(ctx context.Context, onlyAvailable bool) ([]model.Product, error) {
	query := `SELECT id, name, price, quantity, available, category, created_at FROM products`
	if onlyAvailable {
		query += ` WHERE available AND quantity > 0`
	}
	query += ` ORDER BY name, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSale возвращает продажу вместе с позициями.
func (r *PostgresRepository) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	sales, err := r.querySales(ctx, `WHERE s.id = $1`, []any{id})
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, ErrSaleNotFound
	}
	return &sales[0], nil
}

// ListSales возвращает продажи по фильтру, новые первыми.
func (r *PostgresRepository) ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error) {
	var (
		conds []string
		args  []any
	)
	if f.CardID != "" {
		args = append(args, f.CardID)
		conds = append(conds, fmt.Sprintf("s.card_id = $%d", len(args)))
	}
	if f.Category != model.CategoryUndefined {
		args = append(args, string(f.Category))
		conds = append(conds, fmt.Sprintf("s.category = $%d", len(args)))
	}
	if f.PendingOnly {
		conds = append(conds, "NOT s.delivered")
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	return r.querySales(ctx, where, args)
}

func (r *PostgresRepository) querySales(ctx context.Context, where string, args []any) ([]model.Sale, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.card_id, c.name, s.total, s.category, s.delivered, s.created_at
		 FROM sales s
		 JOIN cards c ON c.id = s.card_id
		 `+where+`
		 ORDER BY s.created_at DESC, s.id DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	var (
		sales []model.Sale
		ids   []int64
	)
	for rows.Next() {
		var (
			s        model.Sale
			total    int64
			category string
		)
		if err := rows.Scan(&s.ID, &s.CardID, &s.HolderName, &total, &category, &s.Delivered, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		s.Total = model.FromCents(total)
		s.Category = model.Category(category)
		sales = append(sales, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return sales, nil
	}

	lines, err := r.saleLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
	}

	return sales, nil
}

func (r *PostgresRepository) saleLines(ctx context.Context, saleIDs []int64) (map[int64][]model.SaleLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.sale_id, l.product_id, p.name, l.quantity, l.unit_price
		 FROM sale_lines l
		 JOIN products p ON p.id = l.product_id
		 WHERE l.sale_id = ANY($1)
		 ORDER BY l.id`,
		saleIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select sale lines: %w", err)
	}
	defer rows.Close()

	res := make(map[int64][]model.SaleLine, len(saleIDs))
	for rows.Next() {
		var (
			l         model.SaleLine
			unitPrice int64
		)
		if err := rows.Scan(&l.SaleID, &l.ProductID, &l.ProductName, &l.Quantity, &unitPrice); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		l.UnitPrice = model.FromCents(unitPrice)
		res[l.SaleID] = append(res[l.SaleID], l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkSaleDelivered переводит продажу из ожидания в выданные.
func (r *PostgresRepository) MarkSaleDelivered(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sales SET delivered = TRUE WHERE id = $1 AND NOT delivered`, id)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var delivered bool
	err = r.pool.QueryRow(ctx, `SELECT delivered FROM sales WHERE id = $1`, id).Scan(&delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSaleNotFound
		}
		return fmt.Errorf("select sale: %w", err)
	}
	return ErrSaleDelivered
}

// PendingOutbox возвращает неотправленные сообщения в порядке записи.
func (r *PostgresRepository) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, topic, message_key, payload, status, retry_count, created_at
		 FROM outbox
		 WHERE status = $1
		 ORDER BY id
		 LIMIT $2`,
		string(model.OutboxStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxMessage
	for rows.Next() {
		var (
			m      model.OutboxMessage
			status string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &status, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.Status = model.OutboxStatus(status)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkOutboxSent отмечает сообщение отправленным.
func (r *PostgresRepository) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(model.OutboxStatusSent),
	)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	return nil
}

// MarkOutboxAttemptFailed увеличивает счётчик попыток и переводит сообщение
// в FAILED, когда попытки исчерпаны. Возвращает true, если сообщение помечено FAILED.
func (r *PostgresRepository) MarkOutboxAttemptFailed(ctx context.Context, id int64, maxRetries int) (bool, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE outbox
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE status END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING status`,
		id, maxRetries, string(model.OutboxStatusFailed),
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("update outbox retry: %w", err)
	}
	return model.OutboxStatus(status) == model.OutboxStatusFailed, nil
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetCardForUpdate(ctx context.Context, id string) (*model.Card, error) {
	return scanCard(t.tx.QueryRow(ctx,
		`SELECT id, name, phone, balance, created_at FROM cards WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertCard(ctx context.Context, card *model.Card) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO cards (id, name, phone, balance) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		card.ID, card.Name, card.Phone, model.ToCents(card.Balance),
	).Scan(&card.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrCardExists, card.ID)
		}
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateCardBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE cards SET balance = $2 WHERE id = $1`,
		id, model.ToCents(balance),
	)
	if err != nil {
		return fmt.Errorf("update card balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (id, card_id, holder_name, amount, resulting_balance, kind, sale_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		tr.ID, tr.CardID, tr.HolderName,
		model.ToCents(tr.Amount), model.ToCents(tr.ResultingBalance),
		string(tr.Kind), tr.SaleID,
	).Scan(&tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) GetProductsForUpdate(ctx context.Context, ids []int64) (map[int64]*model.Product, error) {
	// Строки блокируются в порядке id, чтобы параллельные продажи не взаимоблокировались.
	rows, err := t.tx.Query(ctx,
		`SELECT id, name, price, quantity, available, category, created_at
		 FROM products
		 WHERE id = ANY($1)
		 ORDER BY id
		 FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select products for update: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]*model.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) UpdateProductStock(ctx context.Context, id int64, quantity int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE products SET quantity = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale *model.Sale) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO sales (card_id, total, category, delivered)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		sale.CardID, model.ToCents(sale.Total), string(sale.Category), sale.Delivered,
	).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (t *pgTx) InsertSaleLines(ctx context.Context, lines []model.SaleLine) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(
			`INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
			l.SaleID, l.ProductID, l.Quantity, model.ToCents(l.UnitPrice),
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	for range lines {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert sale line: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO outbox (topic, message_key, payload, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		msg.Topic, msg.Key, msg.Payload, string(model.OutboxStatusPending),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	msg.Status = model.OutboxStatusPending
	return nil
}

func scanCard(row pgx.Row) (*model.Card, error) {
	var (
		c       model.Card
		balance int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &balance, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("get card: %w", err)
	}
	c.Balance = model.FromCents(balance)
	return &c, nil
}

func scanProduct(row pgx.Row) (*model.Product, error) {
	var (
		p        model.Product
		price    int64
		category *string
	)
	if err := row.Scan(&p.ID, &p.Name, &price, &p.Quantity, &p.Available, &category, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	p.Price = model.FromCents(price)
	if category != nil {
		p.Category = model.Category(*category)
	}
	return &p, nil
}

func nullableCategory(c model.Category) *string {
	if c == model.CategoryUndefined {
		return nil
	}
	s := string(c)
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
