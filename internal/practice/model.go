package practice

// Genre is catalog data seeded from the legacy id mapping.
type Genre struct {
	ID          string `gorm:"column:id;primaryKey;size:36;not null"`
	Name        string `gorm:"column:name;not null"`
	Description string `gorm:"column:description;not null;default:''"`
	IsPublic    bool   `gorm:"column:is_public;not null;default:true"`
	Deprecated  bool   `gorm:"column:deprecated;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Genre) TableName() string {
	return "genre"
}

// Instrument is catalog data seeded from the legacy id mapping.
type Instrument struct {
	ID          string `gorm:"column:id;primaryKey;size:36;not null"`
	Name        string `gorm:"column:name;not null"`
	Description string `gorm:"column:description;not null;default:''"`
	IsPublic    bool   `gorm:"column:is_public;not null;default:true"`
	Deprecated  bool   `gorm:"column:deprecated;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Instrument) TableName() string {
	return "instrument"
}

// Tune is a piece of music the user practices.
type Tune struct {
	ID             string  `gorm:"column:id;primaryKey;size:36;not null"`
	Title          string  `gorm:"column:title;not null"`
	Type           string  `gorm:"column:type;not null;default:''"`
	Structure      string  `gorm:"column:structure;not null;default:''"`
	Mode           string  `gorm:"column:mode;not null;default:''"`
	Incipit        string  `gorm:"column:incipit;not null;default:''"`
	GenreRef       *string `gorm:"column:genre_ref;size:36"`
	PrivateFor     *string `gorm:"column:private_for;size:190"`
	Deleted        bool    `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Tune) TableName() string {
	return "tune"
}

// Playlist groups tunes for one instrument.
type Playlist struct {
	PlaylistID     string  `gorm:"column:playlist_id;primaryKey;size:36;not null"`
	UserRef        string  `gorm:"column:user_ref;size:190;not null;index"`
	Name           string  `gorm:"column:name;not null;default:''"`
	InstrumentRef  *string `gorm:"column:instrument_ref;size:36"`
	GenreDefault   *string `gorm:"column:genre_default;size:36"`
	SRAlgType      string  `gorm:"column:sr_alg_type;not null;default:'FSRS'"`
	Deleted        bool    `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Playlist) TableName() string {
	return "playlist"
}

// PlaylistTune is the membership of a tune in a playlist.
type PlaylistTune struct {
	PlaylistRef    string  `gorm:"column:playlist_ref;primaryKey;size:36;not null"`
	TuneRef        string  `gorm:"column:tune_ref;primaryKey;size:36;not null"`
	Current        *string `gorm:"column:current"`
	Learned        *string `gorm:"column:learned"`
	Scheduled      *string `gorm:"column:scheduled"`
	GoalDefault    string  `gorm:"column:goal_default;not null;default:'recall'"`
	Deleted        bool    `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PlaylistTune) TableName() string {
	return "playlist_tune"
}

// PracticeRecord captures one review of a tune.
type PracticeRecord struct {
	ID             string  `gorm:"column:id;primaryKey;size:36;not null"`
	PlaylistRef    string  `gorm:"column:playlist_ref;size:36;not null;index:idx_practice_record_playlist_tune,priority:1"`
	TuneRef        string  `gorm:"column:tune_ref;size:36;not null;index:idx_practice_record_playlist_tune,priority:2"`
	Practiced      string  `gorm:"column:practiced;not null"`
	Quality        int64   `gorm:"column:quality;not null;default:0"`
	Easiness       float64 `gorm:"column:easiness;not null;default:0"`
	Interval       int64   `gorm:"column:interval;not null;default:0"`
	Repetitions    int64   `gorm:"column:repetitions;not null;default:0"`
	Review         string  `gorm:"column:review;not null;default:''"`
	Stability      float64 `gorm:"column:stability;not null;default:0"`
	Difficulty     float64 `gorm:"column:difficulty;not null;default:0"`
	State          int64   `gorm:"column:state;not null;default:0"`
	Step           int64   `gorm:"column:step;not null;default:0"`
	Goal           string  `gorm:"column:goal;not null;default:'recall'"`
	Technique      string  `gorm:"column:technique;not null;default:''"`
	LastModifiedAt string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PracticeRecord) TableName() string {
	return "practice_record"
}

// Note is a free-text annotation on a tune.
type Note struct {
	ID             string  `gorm:"column:id;primaryKey;size:36;not null"`
	UserRef        string  `gorm:"column:user_ref;size:190;not null;index"`
	TuneRef        string  `gorm:"column:tune_ref;size:36;not null"`
	PlaylistRef    *string `gorm:"column:playlist_ref;size:36"`
	CreatedDate    string  `gorm:"column:created_date;not null;default:''"`
	NoteText       string  `gorm:"column:note_text;type:text;not null;default:''"`
	Public         bool    `gorm:"column:public;not null;default:false"`
	Favorite       bool    `gorm:"column:favorite;not null;default:false"`
	Deleted        bool    `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "note"
}

// Reference links a tune to an external recording, score or video.
type Reference struct {
	ID             string `gorm:"column:id;primaryKey;size:36;not null"`
	URL            string `gorm:"column:url;not null"`
	RefType        string `gorm:"column:ref_type;not null;default:'website'"`
	TuneRef        string `gorm:"column:tune_ref;size:36;not null"`
	UserRef        string `gorm:"column:user_ref;size:190;not null"`
	Title          string `gorm:"column:title;not null;default:''"`
	Comment        string `gorm:"column:comment;not null;default:''"`
	Public         bool   `gorm:"column:public;not null;default:false"`
	Favorite       bool   `gorm:"column:favorite;not null;default:false"`
	Deleted        bool   `gorm:"column:deleted;not null;default:false"`
	LastModifiedAt string `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Reference) TableName() string {
	return "reference"
}

// Tag is a user label on a tune.
type Tag struct {
	TagID          string `gorm:"column:tag_id;primaryKey;size:36;not null"`
	UserRef        string `gorm:"column:user_ref;size:190;not null"`
	TuneRef        string `gorm:"column:tune_ref;size:36;not null"`
	TagText        string `gorm:"column:tag_text;not null"`
	LastModifiedAt string `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tag"
}

// PrefsSpacedRepetition stores the scheduler's per-algorithm preferences.
// The weights and step lists are opaque to sync.
type PrefsSpacedRepetition struct {
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	AlgType          string  `gorm:"column:alg_type;primaryKey;size:16;not null"`
	FSRSWeights      string  `gorm:"column:fsrs_weights;type:text;not null;default:''"`
	RequestRetention float64 `gorm:"column:request_retention;not null;default:0.9"`
	MaximumInterval  int64   `gorm:"column:maximum_interval;not null;default:36500"`
	LearningSteps    string  `gorm:"column:learning_steps;not null;default:''"`
	RelearningSteps  string  `gorm:"column:relearning_steps;not null;default:''"`
	EnableFuzzing    bool    `gorm:"column:enable_fuzzing;not null;default:true"`
	LastModifiedAt   string  `gorm:"column:last_modified_at;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PrefsSpacedRepetition) TableName() string {
	return "prefs_spaced_repetition"
}
