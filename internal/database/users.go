package database

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User operations

func (d *Database) CreateUser(user *User) error {
	return d.db.Create(user).Error
}

func (d *Database) SaveUser(user *User) error {
	return d.db.Save(user).Error
}

func (d *Database) UserByID(id uint) (*User, error) {
	var user User
	err := d.db.First(&user, id).Error
	return &user, err
}

func (d *Database) UserByEmail(email string) (*User, error) {
	var user User
	err := d.db.Where("email = ?", email).First(&user).Error
	return &user, err
}

func (d *Database) Users() ([]User, error) {
	var users []User
	err := d.db.Order("id").Find(&users).Error
	return users, err
}

// UserByTelegramChat maps an inbound Telegram chat to its owner.
func (d *Database) UserByTelegramChat(chatID int64) (*User, error) {
	var user User
	err := d.db.Where("telegram_chat_id = ?", chatID).First(&user).Error
	return &user, err
}

// UserForUpdate locks the user row for the rest of the transaction. Pool
// admission serializes on this lock so slot counting cannot race.
func (d *Database) UserForUpdate(tx *gorm.DB, id uint) (*User, error) {
	var user User
	err := d.ForUpdate(tx).First(&user, id).Error
	return &user, err
}

// Credential operations

func (d *Database) UpsertCredential(cred *ExchangeCredential) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "exchange"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"api_key_encrypted", "api_secret_encrypted", "paper", "enabled", "updated_at",
		}),
	}).Create(cred).Error
}

func (d *Database) CredentialFor(userID uint, exchange string) (*ExchangeCredential, error) {
	var cred ExchangeCredential
	err := d.db.Where("user_id = ? AND exchange = ?", userID, exchange).First(&cred).Error
	return &cred, err
}

func (d *Database) CredentialsForUser(userID uint) ([]ExchangeCredential, error) {
	var creds []ExchangeCredential
	err := d.db.Where("user_id = ?", userID).Order("exchange").Find(&creds).Error
	return creds, err
}

func (d *Database) DeleteCredential(userID uint, exchange string) error {
	return d.db.Where("user_id = ? AND exchange = ?", userID, exchange).
		Delete(&ExchangeCredential{}).Error
}

// Risk settings operations

// RiskSettingsFor returns the user's risk configuration, creating the
// default row on first read. The re-read picks up column defaults the
// insert left to the database.
func (d *Database) RiskSettingsFor(userID uint) (*RiskSettings, error) {
	var settings RiskSettings
	if err := d.db.FirstOrCreate(&settings, RiskSettings{UserID: userID}).Error; err != nil {
		return nil, err
	}
	if err := d.db.First(&settings, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

func (d *Database) SaveRiskSettings(settings *RiskSettings) error {
	return d.db.Save(settings).Error
}

// DCA configuration operations

func (d *Database) UpsertDCAConfig(cfg *DCAConfiguration) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "pair"}, {Name: "timeframe"}, {Name: "exchange"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"levels_json", "tp_mode", "tp_aggregate_percent", "max_pyramids",
			"default_capital", "pyramid_levels_json", "pyramid_capital_json", "updated_at",
		}),
	}).Create(cfg).Error
}

// SaveDCAConfig updates an existing template row in place.
func (d *Database) SaveDCAConfig(cfg *DCAConfiguration) error {
	return d.db.Save(cfg).Error
}

// DCAConfigFor resolves the grid template for one signal scope.
func (d *Database) DCAConfigFor(userID uint, pair, timeframe, exchange string) (*DCAConfiguration, error) {
	var cfg DCAConfiguration
	err := d.db.Where(
		"user_id = ? AND pair = ? AND timeframe = ? AND exchange = ?",
		userID, pair, timeframe, exchange,
	).First(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("dca config %s/%s on %s: %w", pair, timeframe, exchange, err)
	}
	return &cfg, nil
}

func (d *Database) DCAConfigByID(id uint) (*DCAConfiguration, error) {
	var cfg DCAConfiguration
	err := d.db.First(&cfg, id).Error
	return &cfg, err
}

func (d *Database) DCAConfigsForUser(userID uint) ([]DCAConfiguration, error) {
	var cfgs []DCAConfiguration
	err := d.db.Where("user_id = ?", userID).Order("pair, timeframe").Find(&cfgs).Error
	return cfgs, err
}

func (d *Database) DeleteDCAConfig(userID, id uint) error {
	res := d.db.Where("id = ? AND user_id = ?", id, userID).Delete(&DCAConfiguration{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
